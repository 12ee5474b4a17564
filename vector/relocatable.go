package vector

import (
	"reflect"

	cerrors "github.com/cockroachdb/errors"
	"github.com/modern-go/reflect2"
	"github.com/vkngwrapper/remotevec/memutils"
)

// checkElementType verifies that T can live in block storage. Blocks are moved with a plain byte copy
// and may sit in memory the garbage collector does not scan, so T must not hold Go pointers anywhere in
// its layout. It must also have a size, and an alignment that the header does not break.
func checkElementType[T any]() error {
	typ := reflect2.TypeOfPtr((*T)(nil)).Elem()

	err := checkRelocatable(typ)
	if err != nil {
		return cerrors.Wrapf(err, "element type %s", typ.String())
	}

	if typ.Type1().Size() == 0 {
		return cerrors.Wrapf(memutils.ErrNotRelocatable, "element type %s has no size", typ.String())
	}

	align := typ.Type1().Align()
	if HeaderSize%align != 0 {
		return cerrors.Wrapf(memutils.ErrUnalignedElement, "element type %s has alignment %d and the header is %d bytes", typ.String(), align, HeaderSize)
	}

	return nil
}

func checkRelocatable(typ reflect2.Type) error {
	if typ.IsNullable() {
		return cerrors.Wrapf(memutils.ErrNotRelocatable, "%s is a reference type", typ.String())
	}

	switch typ.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkRelocatable(reflect2.Type2(typ.Type1().Elem()))
	case reflect.Struct:
		structType := typ.Type1()
		for i := 0; i < structType.NumField(); i++ {
			field := structType.Field(i)
			err := checkRelocatable(reflect2.Type2(field.Type))
			if err != nil {
				return cerrors.Wrapf(err, "field %s", field.Name)
			}
		}
		return nil
	}

	return cerrors.Wrapf(memutils.ErrNotRelocatable, "%s has kind %s", typ.String(), typ.Kind())
}
