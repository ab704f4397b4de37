package audio

// Drain discards values from ch until it is closed. Release paths use it so a
// producer blocked on a full frame channel can observe its own shutdown.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
