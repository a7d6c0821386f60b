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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
)

// EncodePart10 prepends a Part-10 file header to an already-encoded dataset
// body. The body bytes are written through untouched, so a received C-STORE
// payload is persisted without a decode/re-encode round trip.
func EncodePart10(transferSyntaxUID, sopClassUID, sopInstanceUID string, body []byte) ([]byte, error) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	dicom.WriteFileHeader(e,
		[]*dicom.Element{
			dicom.MustNewElement(dicom.TagTransferSyntaxUID, transferSyntaxUID),
			dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, sopClassUID),
			dicom.MustNewElement(dicom.TagMediaStorageSOPInstanceUID, sopInstanceUID),
		})
	e.WriteBytes(body)
	if err := e.Error(); err != nil {
		return nil, fmt.Errorf("encoding part-10 for %s: %w", sopInstanceUID, err)
	}
	return e.Bytes(), nil
}

// WritePart10 writes a received dataset body as a Part-10 file, creating
// parent directories as needed.
func WritePart10(path, transferSyntaxUID, sopClassUID, sopInstanceUID string, body []byte) error {
	bytes, err := EncodePart10(transferSyntaxUID, sopClassUID, sopInstanceUID, body)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, bytes, 0o644)
}

// WriteDataSetToFile serializes a (possibly rewritten) dataset as explicit
// VR little endian. The file meta group is rebuilt from the dataset's SOP
// identifiers so rewritten UIDs stay consistent between header and body.
func WriteDataSetToFile(path string, ds *dicom.DataSet) error {
	sopClassUID := FindString(ds, TagSOPClassUID)
	sopInstanceUID := FindString(ds, TagSOPInstanceUID)
	if sopClassUID == "" || sopInstanceUID == "" {
		return fmt.Errorf("%s: dataset lacks SOP identifiers", path)
	}
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	dicom.WriteFileHeader(e,
		[]*dicom.Element{
			dicom.MustNewElement(dicom.TagTransferSyntaxUID, dicomuid.ExplicitVRLittleEndian),
			dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, sopClassUID),
			dicom.MustNewElement(dicom.TagMediaStorageSOPInstanceUID, sopInstanceUID),
		})
	for _, elem := range ds.Elements {
		if elem.Tag.Group == dicom.TagMetadataGroup {
			continue
		}
		dicom.WriteElement(e, elem)
	}
	if err := e.Error(); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, e.Bytes(), 0o644)
}
