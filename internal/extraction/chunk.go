package extraction

// DefaultChunkSize is the number of characters sent to the provider per call.
const DefaultChunkSize = 5000

// ChunkText splits text into consecutive pieces of at most size runes. Pieces
// are not overlapped and never split a multi-byte character.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
