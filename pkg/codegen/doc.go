/*
Package codegen turns a normalized run trace into Go source written against package sdk.

A compiled program is one program.go holding the Parameters type, one function per block and the
Run function, plus one standalone file per block under blocks/. Every block function carries a
//scriptforge:block directive naming its label; the directive is how later revisions find and
replace a block without depending on line positions.
*/
package codegen
