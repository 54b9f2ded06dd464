/*
Package review turns fallback episodes into validated block patches.

Each block with pending episodes goes through a small state machine:

	received → triaged (fixable | not_fixable) → drafted → validated → accepted | exhausted

Triage asks the generation model whether a failure is fixable by code; when the model cannot be
reached the episode is treated as fixable. Drafting renders a prompt chosen by the block's
Strategy and asks for a complete block file. Each draft is checked by the validate pipeline; a
failure that only lacks a default branch is repaired mechanically, any other failure is fed back
into the next prompt. A block gets at most three drafts per cycle. Nothing is written to the
script store here: accepted patches are handed to the version writer, and exhausted blocks keep
their episodes pending for the next cycle.
*/
package review
