// Package source holds the pieces shared by deck source adapters: the adapter
// registry, the page walker and HTML deck id extraction.
package source
