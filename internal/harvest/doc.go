// Package harvest defines the shared domain model of the deck harvester: decks,
// their cards and commanders, work queue items, run records, and the capability
// interfaces implemented by transports, source adapters and storage backends.
package harvest
