package session

// EstimateTokens approximates the token count of text. It is a
// heuristic, not tokenizer parity: ASCII runs at roughly four
// characters per token, non-ASCII (CJK, Cyrillic, emoji) at roughly
// one character per token. The context window manager only needs a
// consistent estimate to decide when to compact, so approximation is
// acceptable here.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// MessageTokens sums the approximate token counts of msgs, estimating
// on the fly for any message whose count was never filled in.
func MessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		if m.Tokens > 0 {
			total += m.Tokens
			continue
		}
		total += EstimateTokens(m.Content)
	}
	return total
}
