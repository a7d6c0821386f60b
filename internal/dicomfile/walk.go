// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dicomfile

import (
	"github.com/yasushi-saito/go-dicom"
)

// Walk visits every element of the dataset depth-first, descending into
// sequence items. The callback may mutate element values in place.
func Walk(ds *dicom.DataSet, fn func(*dicom.Element) error) error {
	return walkElements(ds.Elements, fn)
}

func walkElements(elems []*dicom.Element, fn func(*dicom.Element) error) error {
	for _, e := range elems {
		if err := fn(e); err != nil {
			return err
		}
		for _, v := range e.Value {
			if nested, ok := v.(*dicom.Element); ok {
				if err := walkElements([]*dicom.Element{nested}, fn); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// SequenceItems returns the item elements of a sequence element.
func SequenceItems(e *dicom.Element) []*dicom.Element {
	var items []*dicom.Element
	for _, v := range e.Value {
		if item, ok := v.(*dicom.Element); ok && item.Tag == dicom.TagItem {
			items = append(items, item)
		}
	}
	return items
}

// ItemElement finds a tag among the direct children of a sequence item.
func ItemElement(item *dicom.Element, tag dicom.Tag) *dicom.Element {
	for _, v := range item.Value {
		if e, ok := v.(*dicom.Element); ok && e.Tag == tag {
			return e
		}
	}
	return nil
}

// FindString returns the string value of tag in the main dataset, or "".
func FindString(ds *dicom.DataSet, tag dicom.Tag) string {
	e, err := ds.FindElementByTag(tag)
	if err != nil {
		return ""
	}
	return ElementString(e)
}

// SetString replaces the value of tag wherever it appears in the main
// dataset, appending a new element when absent.
func SetString(ds *dicom.DataSet, tag dicom.Tag, value string) {
	for _, e := range ds.Elements {
		if e.Tag == tag {
			e.Value = []interface{}{value}
			return
		}
	}
	ds.Elements = append(ds.Elements, dicom.MustNewElement(tag, value))
}

// RewriteStrings applies mapping to the values of the given tags everywhere
// they occur, sequence items included. Values without a mapping entry are
// left alone. Returns the number of rewritten elements.
func RewriteStrings(ds *dicom.DataSet, tags []dicom.Tag, mapping map[string]string) int {
	want := make(map[dicom.Tag]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	n := 0
	_ = Walk(ds, func(e *dicom.Element) error {
		if !want[e.Tag] {
			return nil
		}
		old := ElementString(e)
		if repl, ok := mapping[old]; ok && old != "" {
			e.Value = []interface{}{repl}
			n++
		}
		return nil
	})
	return n
}
