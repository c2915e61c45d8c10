package utils

// MergeMap copies every key of `in` into `acc`, overwriting existing keys.
// A nil `acc` is allocated.
func MergeMap(acc map[string]interface{}, in map[string]interface{}) map[string]interface{} {
	if acc == nil {
		acc = make(map[string]interface{}, len(in))
	}
	for k, v := range in {
		acc[k] = v
	}
	return acc
}
