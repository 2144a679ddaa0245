package channel

// Chunk splits text into ceil(L/size) pieces of at most size runes each, L
// being the rune count. Joining the pieces reproduces text exactly. Empty
// text yields no chunks.
func Chunk(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	out := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
