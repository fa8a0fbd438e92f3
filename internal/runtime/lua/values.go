package lua

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// portable is a value exported from one unit's VM that can be rebuilt in
// another. Units never share LValues.
type portable interface {
	materialize(L *lua.LState) lua.LValue
}

type scalar struct{ v lua.LValue }

func (s scalar) materialize(*lua.LState) lua.LValue { return s.v }

type hostObject struct {
	value    any
	typeName string
}

func (o hostObject) materialize(L *lua.LState) lua.LValue {
	return newObject(L, o.value, o.typeName)
}

type flatTable struct {
	keys   []portable
	values []portable
}

func (t flatTable) materialize(L *lua.LState) lua.LValue {
	tbl := L.NewTable()
	for i := range t.keys {
		tbl.RawSet(t.keys[i].materialize(L), t.values[i].materialize(L))
	}
	return tbl
}

// exportValue copies v out of its VM. Tables are copied one level deep and
// may only hold scalars and host objects.
func exportValue(v lua.LValue) (portable, error) {
	return export(v, true)
}

func export(v lua.LValue, allowTable bool) (portable, error) {
	switch lv := v.(type) {
	case *lua.LNilType, lua.LBool, lua.LNumber, lua.LString:
		return scalar{v: lv}, nil
	case *lua.LUserData:
		switch obj := lv.Value.(type) {
		case *lockObject:
			return hostObject{value: obj, typeName: lockTypeName}, nil
		case *listenerObject:
			return hostObject{value: obj, typeName: listenerTypeName}, nil
		}
		return nil, fmt.Errorf("userdata %v cannot be passed to another unit", lv.Value)
	case *lua.LTable:
		if !allowTable {
			return nil, errors.New("nested tables cannot be passed to another unit")
		}
		var (
			out       flatTable
			exportErr error
		)
		lv.ForEach(func(k, val lua.LValue) {
			if exportErr != nil {
				return
			}
			pk, err := export(k, false)
			if err != nil {
				exportErr = err
				return
			}
			pv, err := export(val, false)
			if err != nil {
				exportErr = err
				return
			}
			out.keys = append(out.keys, pk)
			out.values = append(out.values, pv)
		})
		if exportErr != nil {
			return nil, exportErr
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s values cannot be passed to another unit", v.Type())
	}
}
