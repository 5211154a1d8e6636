package session

import (
	"sort"

	"mlxllm/pkg/types"
)

// MemoryWarnGB is the soft unified-memory threshold above which a verbose
// session warns that the model is unlikely to fit on a 16GB machine.
const MemoryWarnGB = 16

// DefaultVariant is used when no variant key is given.
const DefaultVariant = "4bit"

// variants is the fixed table of quantized Llama 3.3 70B Instruct builds.
// It is read-only for the process duration.
var variants = map[string]types.Variant{
	"4bit": {
		Repo:    "mlx-community/Llama-3.3-70B-Instruct-4bit",
		SizeGB:  38,
		Quality: "Good quality, 4-bit quantization",
	},
	"8bit": {
		Repo:    "mlx-community/Llama-3.3-70B-Instruct-8bit",
		SizeGB:  70,
		Quality: "High quality, requires 64GB+ RAM",
	},
	"3bit": {
		Repo:    "mlx-community/Llama-3.3-70B-Instruct-3bit",
		SizeGB:  28,
		Quality: "Lower quality, fits 32GB RAM",
	},
}

// Resolve maps a variant key to its fixed record. Unknown keys return a
// configuration error naming the key and the valid options.
func Resolve(key string) (types.Variant, error) {
	v, ok := variants[key]
	if !ok {
		return types.Variant{}, configError{key: key, valid: VariantKeys()}
	}
	return v, nil
}

// VariantKeys returns the valid variant keys in sorted order.
func VariantKeys() []string {
	keys := make([]string, 0, len(variants))
	for k := range variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Variants returns a copy of the variant table.
func Variants() map[string]types.Variant {
	out := make(map[string]types.Variant, len(variants))
	for k, v := range variants {
		out[k] = v
	}
	return out
}

// needsCapacityWarning reports whether a variant of the given size is
// unlikely to fit in 16GB of unified memory.
func needsCapacityWarning(sizeGB int) bool {
	return sizeGB > MemoryWarnGB
}
