// Package testmedia builds in-memory image fixtures for tests.
package testmedia

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand/v2"
)

// Noisy returns a deterministic image with enough texture that lossy
// encoders produce different sizes at different qualities.
func Noisy(w, h int) *image.RGBA {
	rng := rand.New(rand.NewPCG(uint64(w), uint64(h)))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*255)/max(w, 1)) ^ uint8(rng.IntN(64)),
				G: uint8((y*255)/max(h, 1)) ^ uint8(rng.IntN(64)),
				B: uint8(rng.IntN(256)),
				A: 255,
			})
		}
	}
	return img
}

func JPEG(w, h, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Noisy(w, h), &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func PNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Noisy(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// EXIF describes the capture tags spliced into a JPEG by WithEXIF.
type EXIF struct {
	Make     string
	Model    string
	DateTime string // "2006:01:02 15:04:05"
	GPS      bool
	Lat      float64
	Lon      float64
}

const (
	typeASCII    = 2
	typeLong     = 4
	typeRational = 5
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func ascii(s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{typ: typeASCII, count: uint32(len(b)), data: b}
}

func degrees(v float64) []byte {
	v = math.Abs(v)
	deg := math.Floor(v)
	minutes := math.Floor((v - deg) * 60)
	seconds := ((v-deg)*60 - minutes) * 60
	out := make([]byte, 24)
	le := binary.LittleEndian
	le.PutUint32(out[0:], uint32(deg))
	le.PutUint32(out[4:], 1)
	le.PutUint32(out[8:], uint32(minutes))
	le.PutUint32(out[12:], 1)
	le.PutUint32(out[16:], uint32(math.Round(seconds*1000)))
	le.PutUint32(out[20:], 1000)
	return out
}

func encodeIFD(offset uint32, entries []ifdEntry) []byte {
	le := binary.LittleEndian
	dataOff := offset + uint32(2+12*len(entries)+4)
	var out, extra bytes.Buffer
	_ = binary.Write(&out, le, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&out, le, e.tag)
		_ = binary.Write(&out, le, e.typ)
		_ = binary.Write(&out, le, e.count)
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			out.Write(v)
			continue
		}
		_ = binary.Write(&out, le, dataOff+uint32(extra.Len()))
		extra.Write(e.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	_ = binary.Write(&out, le, uint32(0))
	out.Write(extra.Bytes())
	return out.Bytes()
}

func buildTIFF(tags EXIF) []byte {
	le := binary.LittleEndian
	var ifd0 []ifdEntry
	if tags.Make != "" {
		e := ascii(tags.Make)
		e.tag = 0x010F
		ifd0 = append(ifd0, e)
	}
	if tags.Model != "" {
		e := ascii(tags.Model)
		e.tag = 0x0110
		ifd0 = append(ifd0, e)
	}
	if tags.DateTime != "" {
		e := ascii(tags.DateTime)
		e.tag = 0x0132
		ifd0 = append(ifd0, e)
	}
	gpsIdx := -1
	if tags.GPS {
		gpsIdx = len(ifd0)
		ifd0 = append(ifd0, ifdEntry{tag: 0x8825, typ: typeLong, count: 1, data: make([]byte, 4)})
	}

	first := encodeIFD(8, ifd0)
	var tiff bytes.Buffer
	tiff.WriteString("II")
	_ = binary.Write(&tiff, le, uint16(42))
	_ = binary.Write(&tiff, le, uint32(8))
	if gpsIdx < 0 {
		tiff.Write(first)
		return tiff.Bytes()
	}

	gpsOff := uint32(8 + len(first))
	if gpsOff%2 == 1 {
		gpsOff++
	}
	le.PutUint32(ifd0[gpsIdx].data, gpsOff)
	first = encodeIFD(8, ifd0)
	tiff.Write(first)
	for uint32(tiff.Len()) < gpsOff {
		tiff.WriteByte(0)
	}

	latRef, lonRef := "N", "E"
	if tags.Lat < 0 {
		latRef = "S"
	}
	if tags.Lon < 0 {
		lonRef = "W"
	}
	latRefEntry := ascii(latRef)
	latRefEntry.tag = 0x0001
	lonRefEntry := ascii(lonRef)
	lonRefEntry.tag = 0x0003
	gps := []ifdEntry{
		latRefEntry,
		{tag: 0x0002, typ: typeRational, count: 3, data: degrees(tags.Lat)},
		lonRefEntry,
		{tag: 0x0004, typ: typeRational, count: 3, data: degrees(tags.Lon)},
	}
	tiff.Write(encodeIFD(gpsOff, gps))
	return tiff.Bytes()
}

// WithEXIF splices an APP1 Exif segment right after the SOI marker of a JPEG.
func WithEXIF(jpegData []byte, tags EXIF) []byte {
	if len(jpegData) < 2 || jpegData[0] != 0xFF || jpegData[1] != 0xD8 {
		panic("testmedia: not a JPEG")
	}
	payload := append([]byte("Exif\x00\x00"), buildTIFF(tags)...)
	var out bytes.Buffer
	out.Write(jpegData[:2])
	out.Write([]byte{0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(jpegData[2:])
	return out.Bytes()
}
