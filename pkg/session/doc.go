// Package session holds the per-conversation lifecycle model: state machine,
// billing intervals, silence tracking and transcript, plus the Manager registry
// that request handlers use to look sessions up.
//
// Lifecycle calls never fail. Duplicate or misordered calls (a second End, a
// Start while listening) are ignored, so UI clients can retry freely.
package session
