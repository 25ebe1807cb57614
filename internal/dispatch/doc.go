// Package dispatch implements the control-plane command handler that answers
// messages arriving on channels with no session binding.
package dispatch
