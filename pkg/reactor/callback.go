package reactor

import "reflect"

// callbackPointer extracts the code pointer backing a Callback value so
// two Callback variables can be compared for identity (Go disallows
// comparing func values with ==).
func callbackPointer(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}
