package pkg

import (
	"fmt"
	"time"
)

func SanitizeInterfaceToMapString(intf interface{}) interface{} {
	if arr, ok := intf.([]interface{}); ok {
		var outArray []interface{}
		for _, el := range arr {
			outArray = append(outArray, SanitizeInterfaceToMapString(el))
		}
		return outArray
	}

	if m, ok := intf.(map[interface{}]interface{}); ok {
		res := map[string]interface{}{}
		for k, v := range m {
			switch v2 := v.(type) {
			case []interface{}:
				res[fmt.Sprint(k)] = SanitizeInterfaceToMapString(v2)
			case map[interface{}]interface{}:
				res[fmt.Sprint(k)] = SanitizeInterfaceToMapString(v2)
			default:
				res[fmt.Sprint(k)] = v
			}
		}
		return res
	}

	return intf
}

func boolPtrOr(value *bool, def bool) bool {
	if value == nil {
		return def
	}
	return *value
}

func durationOr(value *time.Duration, def time.Duration) time.Duration {
	if value == nil {
		return def
	}
	return *value
}
