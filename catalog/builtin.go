package catalog

import "github.com/noteflow-ai/modelstore/types"

// builtinDescriptors is the artifact table shipped with the client. Sizes
// are advertised, not verified; the store trusts the remote Content-Length
// during transfer.
var builtinDescriptors = []types.ArtifactDescriptor{
	// Speech recognition models (whisper.cpp GGML format).
	{
		Key:                 "tiny",
		DisplayName:         "Whisper Tiny",
		RemoteURL:           "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		DestinationFilename: "ggml-tiny.bin",
		ExpectedSizeMB:      75,
		Description:         "Fastest speech model, lowest accuracy. Good for quick notes.",
		Family:              types.FamilySpeech,
	},
	{
		Key:                 "base",
		DisplayName:         "Whisper Base",
		RemoteURL:           "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		DestinationFilename: "ggml-base.bin",
		ExpectedSizeMB:      142,
		Description:         "Balanced speed and accuracy for everyday dictation.",
		Family:              types.FamilySpeech,
	},
	{
		Key:                 "small",
		DisplayName:         "Whisper Small",
		RemoteURL:           "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		DestinationFilename: "ggml-small.bin",
		ExpectedSizeMB:      466,
		Description:         "Higher accuracy, noticeably slower on older devices.",
		Family:              types.FamilySpeech,
	},
	{
		Key:                 "medium",
		DisplayName:         "Whisper Medium",
		RemoteURL:           "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		DestinationFilename: "ggml-medium.bin",
		ExpectedSizeMB:      1500,
		Description:         "Best accuracy of the shipped speech models.",
		Family:              types.FamilySpeech,
	},

	// Language models (GGUF format) for on-device summarization.
	{
		Key:                 "qwen2.5-0.5b",
		DisplayName:         "Qwen 2.5 0.5B Instruct",
		RemoteURL:           "https://huggingface.co/Qwen/Qwen2.5-0.5B-Instruct-GGUF/resolve/main/qwen2.5-0.5b-instruct-q4_k_m.gguf",
		DestinationFilename: "qwen2.5-0.5b-instruct-q4_k_m.gguf",
		ExpectedSizeMB:      398,
		Description:         "Compact instruct model for titles and short summaries.",
		Family:              types.FamilyLanguage,
	},
	{
		Key:                 "llama3.2-1b",
		DisplayName:         "Llama 3.2 1B Instruct",
		RemoteURL:           "https://huggingface.co/bartowski/Llama-3.2-1B-Instruct-GGUF/resolve/main/Llama-3.2-1B-Instruct-Q4_K_M.gguf",
		DestinationFilename: "llama-3.2-1b-instruct-q4_k_m.gguf",
		ExpectedSizeMB:      808,
		Description:         "General-purpose small instruct model.",
		Family:              types.FamilyLanguage,
	},
	{
		Key:                 "llama3.2-3b",
		DisplayName:         "Llama 3.2 3B Instruct",
		RemoteURL:           "https://huggingface.co/bartowski/Llama-3.2-3B-Instruct-GGUF/resolve/main/Llama-3.2-3B-Instruct-Q4_K_M.gguf",
		DestinationFilename: "llama-3.2-3b-instruct-q4_k_m.gguf",
		ExpectedSizeMB:      2020,
		Description:         "Largest shipped language model, best quality output.",
		Family:              types.FamilyLanguage,
	},
}
