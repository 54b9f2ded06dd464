/*
Package sdk is the closed primitive surface that compiled programs are written against.

A compiled program only talks to the page through the Page interface and only reads run data
through a RunContext. Every Page method takes a single options struct; the exported fields of
that struct are the keywords the primitive accepts. The static checks in package validate derive
their allowlists from this package, so adding a primitive here is the only way to widen what a
compiled block may call.

# Block functions

Each compiled block has the signature of BlockFunc:

	func BlockSearch(ctx context.Context, page sdk.Page, rc *sdk.RunContext) (any, error)

and the generated Run function drives them in order through RunSteps.
*/
package sdk
