package anthropic

// BuildCachedSystemBlocks constructs a system block with an ephemeral cache
// breakpoint. The extraction prompt is identical across signals, so every
// call after the first reads it from the prompt cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
