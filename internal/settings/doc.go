// Package settings loads the global defaults shared by every provisioned VM:
// the administrative and root SSH public keys, the default CPU count and
// memory size, and the corporate proxy triple that is applied only when the
// proxy marker file says so.
//
// A load is a single read-and-assemble step over an injected afero.Fs. It
// either returns a complete Settings value or a *LoadError naming the file
// that could not be used; there is no partial result.
package settings
