package utils

func StringSliceContains(slice []string, target string) bool {
	for _, v := range slice {
		if v == target {
			return true
		}
	}
	return false
}

// StringSliceUnique keeps the first occurrence of each value, in order.
func StringSliceUnique(slice []string) []string {
	out := make([]string, 0, len(slice))
	for _, v := range slice {
		if !StringSliceContains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
