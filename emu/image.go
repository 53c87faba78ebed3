package emu

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var imageMagic = []byte{0x2e, 0x4e, 0x44, 0x48} // ".NDH"

// guest address layout for flat ndh images
const (
	LoadAddr  = 0x8000
	StackBase = 0x0
	StackSize = 0x8000
)

type imageHeader struct {
	Magic [4]byte
	Size  uint16
}

// Image is a flat ndh binary: a header-prefixed text blob loaded at a fixed
// address.
type Image struct {
	Path string
	Text []byte
}

// MatchImage reports whether r starts with the ndh magic.
func MatchImage(r io.ReaderAt) bool {
	var p [4]byte
	_, err := r.ReadAt(p[:], 0)
	return err == nil && bytes.Equal(p[:], imageMagic)
}

// LoadImage parses a header-prefixed image.
func LoadImage(r io.ReaderAt) (*Image, error) {
	var header imageHeader
	size, err := struc.Sizeof(&header)
	if err != nil {
		return nil, err
	}
	sr := io.NewSectionReader(r, 0, int64(size))
	if err := struc.UnpackWithOrder(sr, &header, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "image header")
	}
	if !bytes.Equal(header.Magic[:], imageMagic) {
		return nil, errors.Errorf("bad image magic %x", header.Magic)
	}
	text, err := ioutil.ReadAll(io.NewSectionReader(r, int64(size), int64(header.Size)))
	if err != nil {
		return nil, errors.Wrap(err, "reading image text")
	}
	return &Image{Text: text}, nil
}

// LoadFile parses an image from disk.
func LoadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := LoadImage(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	img.Path = path
	return img, nil
}

// PackImage renders text as a loadable image blob.
func PackImage(text []byte) ([]byte, error) {
	var buf bytes.Buffer
	header := imageHeader{Size: uint16(len(text))}
	copy(header.Magic[:], imageMagic)
	if err := struc.PackWithOrder(&buf, &header, binary.LittleEndian); err != nil {
		return nil, err
	}
	buf.Write(text)
	return buf.Bytes(), nil
}

// Entry returns the image entry point.
func (i *Image) Entry() uint64 { return LoadAddr }

// StartCode and EndCode bound the text segment.
func (i *Image) StartCode() uint64 { return LoadAddr }
func (i *Image) EndCode() uint64   { return LoadAddr + uint64(len(i.Text)) }
