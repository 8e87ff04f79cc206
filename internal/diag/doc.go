// Package diag defines the error taxonomy of the code generator.
//
// Every fatal failure is a *Error carrying a Kind (ir-invariant,
// unimplemented, verification, internal-codegen, io), a stable Code
// printed as IR1001, UNS2001 and so on, a message, and the offending
// function and block when known. Transform inapplicability is never an
// error; transforms no-op and record a statistic instead.
package diag
