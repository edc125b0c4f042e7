// Package tokenizer turns document text into token ids for pretokenization
// and sampling.
//
// Implementations:
//   - BPE: HuggingFace tokenizer.json, byte-level (GPT-2 regex) or
//     Metaspace (SentencePiece "▁") word splitting, with <0xNN> byte fallback
//   - tiktoken: OpenAI encodings (r50k_base, p50k_base, cl100k_base)
//
// Token shards store ids as uint16, so CheckUint16 guards the vocabulary
// size before any shard is written.
//
// Example usage:
//
//	tok, err := tokenizer.Load("tokenizer.json")
//	if err != nil {
//	    return err
//	}
//	if err := tokenizer.CheckUint16(tok); err != nil {
//	    return err
//	}
//
//	// BOS + text + EOS, one document.
//	ids, err := tokenizer.EncodeWithMarkers(tok, "Once upon a time", true, true)
package tokenizer
