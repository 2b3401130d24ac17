// Package setup loads the tool configuration and verifies that the external
// programs a lab needs are installed.
//
// It is the only package allowed to hold a package-level logger; the
// configuration itself is returned by value and never stored globally.
package setup
