// Package monotonic provides the clock used to stamp outbound envelopes.
//
// Relays order and filter envelopes by their created_at second. A Clock adds
// the NTP offset measured by the sntp package to the local wall clock.
package monotonic
