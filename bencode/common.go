// This package defines (yet another) bencode encoding/decoding library. What is special about this
// approach is it uses tags for mapping struct fields to bencode properties. As well, it has support for fixed-byte array
// map keys.
//
// The serialization/deseriazation functions expect to be annotated with `bencode:".."` tags in the structs they serialize/deserialize to.
// A tag of the form `bencode:"x,omitempty"` marks an optional field. Optional fields are left out of the encoding when
// they hold their zero value (nil pointers, empty slices, empty strings, zero numbers, false) and may be absent when decoding.
package bencode

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a
)

type fieldInfo struct {
	name      string
	omitEmpty bool
	index     int
}

// structFields returns the exported fields of ty ordered by their bencode key.
func structFields(ty reflect.Type) ([]fieldInfo, error) {
	fields := make([]fieldInfo, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return nil, fmt.Errorf("expected bencode tag on %s.%s", ty.Name(), f.Name)
		}
		name, opts, _ := strings.Cut(tag, ",")
		fields = append(fields, fieldInfo{name: name, omitEmpty: opts == "omitempty", index: i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	for i := 1; i < len(fields); i++ {
		if fields[i].name == fields[i-1].name {
			return nil, fmt.Errorf("duplicate bencode key %s in %s", fields[i].name, ty.Name())
		}
	}
	return fields, nil
}
