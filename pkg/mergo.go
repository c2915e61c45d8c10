package pkg

import (
	"reflect"
	"time"
)

// --- Mergo

var mergoTransformerCustomInstance = mergoTransformerCustom{}

// Pointer types are replaced as a whole when set: mergo would otherwise merge
// into the pointed value, or skip a false bool.
type mergoTransformerCustom struct {
}

var mergoReplacedTypes = map[reflect.Type]bool{
	reflect.TypeOf((*bool)(nil)):          true,
	reflect.TypeOf((*time.Duration)(nil)): true,
	reflect.TypeOf((*IfTemplate)(nil)):    true,
	reflect.TypeOf((*Template)(nil)):      true,
	reflect.TypeOf(map[string]string{}):   true,
}

func (t mergoTransformerCustom) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if !mergoReplacedTypes[typ] {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if dst.CanSet() {
			if src.IsNil() {
				return nil
			}
			dst.Set(src)
		}
		return nil
	}
}
