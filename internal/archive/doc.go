// Package archive defines the read-later archive domain: items and their
// capture lifecycle, the typed capture failure, listing filters, and the
// interfaces the store, scheduler and capture worker are built against.
package archive
