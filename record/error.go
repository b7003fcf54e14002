package record

import "reflect"

// errorClassName approximates Python's module.ClassName error identifier
// (get_full_class_name in the original) using the error value's Go type
// name, since Go errors don't carry a class hierarchy of their own.
func errorClassName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}
