// Package netgate tracks whether the host currently has a usable network and
// what kind of bearer carries it. Connectivity events from an OS source are
// folded into a single State; subscribers hear about reachability and bearer
// kind transitions only.
package netgate
