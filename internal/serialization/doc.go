// Package serialization implements the on-disk formats used by training:
// the .born v2 container for resumable checkpoints and inference weights,
// SafeTensors for the interoperable export, and read-only memory mappings
// for binary token shards.
//
// The .born v2 format:
//
//	[64 bytes: fixed header]
//	  0x00 magic "BORN"
//	  0x04 version (uint32 LE, = 2)
//	  0x08 flags (uint32 LE)
//	  0x10 JSON header size (uint64 LE)
//	  0x18 data section size (uint64 LE)
//	  0x20 SHA-256 of the data section
//	[JSON header]
//	[padding to a 64-byte boundary]
//	[tensor data, in tensor name order]
//
// Example usage:
//
//	header := serialization.Header{ModelType: "Llama"}
//	if err := serialization.SaveStateDict("ckpt.pt", model.StateDict(), header); err != nil {
//	    return err
//	}
//
//	stateDict, header, err := serialization.LoadStateDict("ckpt.pt")
package serialization
