// Package pngmeta reads and writes PNG text chunks.
package pngmeta

import (
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"hash/crc32"
	"unicode/utf8"
)

var signature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// ErrNotPNG is returned for input without a valid PNG signature or IHDR.
var ErrNotPNG = stderrors.New("not a PNG image")

// Entry is one keyword/text pair.
type Entry struct {
	Keyword string
	Text    string
}

type chunk struct {
	typ  string
	data []byte
}

// Embed returns a copy of png with one text chunk per entry inserted right
// after IHDR. Existing text chunks with the same keywords are dropped. Text
// that is not Latin-1 is written as an uncompressed iTXt chunk, the rest as tEXt.
func Embed(png []byte, entries []Entry) ([]byte, error) {
	chunks, err := parse(png)
	if err != nil {
		return nil, err
	}

	replace := make(map[string]bool, len(entries))
	added := make([]chunk, 0, len(entries))
	for _, e := range entries {
		if err := validKeyword(e.Keyword); err != nil {
			return nil, err
		}
		replace[e.Keyword] = true
		added = append(added, textChunk(e))
	}

	out := make([]chunk, 0, len(chunks)+len(added))
	out = append(out, chunks[0]) // IHDR
	out = append(out, added...)
	for _, c := range chunks[1:] {
		if kw, ok := keywordOf(c); ok && replace[kw] {
			continue
		}
		out = append(out, c)
	}
	return encode(out), nil
}

// ReadText returns the tEXt and uncompressed iTXt entries of png in file order.
func ReadText(png []byte) ([]Entry, error) {
	chunks, err := parse(png)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, c := range chunks {
		switch c.typ {
		case "tEXt":
			kw, text, ok := bytes.Cut(c.data, []byte{0})
			if !ok {
				continue
			}
			entries = append(entries, Entry{Keyword: latin1ToString(kw), Text: latin1ToString(text)})
		case "iTXt":
			if e, ok := parseITXt(c.data); ok {
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

// parse splits png into chunks, checking the signature, CRCs, and that IHDR
// comes first.
func parse(png []byte) ([]chunk, error) {
	if !bytes.HasPrefix(png, signature) {
		return nil, ErrNotPNG
	}
	rest := png[len(signature):]

	var chunks []chunk
	for len(rest) > 0 {
		if len(rest) < 12 {
			return nil, fmt.Errorf("truncated chunk header")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint64(n) > uint64(len(rest)-12) {
			return nil, fmt.Errorf("chunk length %d exceeds data", n)
		}
		typ := string(rest[4:8])
		data := rest[8 : 8+n]
		want := binary.BigEndian.Uint32(rest[8+n : 12+n])
		if got := crc32.ChecksumIEEE(rest[4 : 8+n]); got != want {
			return nil, fmt.Errorf("bad CRC in %s chunk", typ)
		}
		chunks = append(chunks, chunk{typ: typ, data: data})
		rest = rest[12+n:]
		if typ == "IEND" {
			break
		}
	}

	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, ErrNotPNG
	}
	return chunks, nil
}

func encode(chunks []chunk) []byte {
	size := len(signature)
	for _, c := range chunks {
		size += 12 + len(c.data)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, signature...)
	for _, c := range chunks {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.data)))
		start := len(buf)
		buf = append(buf, c.typ...)
		buf = append(buf, c.data...)
		buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[start:]))
	}
	return buf
}

// validKeyword enforces 1-79 printable Latin-1 characters without leading,
// trailing, or double spaces.
func validKeyword(kw string) error {
	n := utf8.RuneCountInString(kw)
	if n < 1 || n > 79 {
		return fmt.Errorf("keyword %q must be 1-79 characters", kw)
	}
	if kw[0] == ' ' || kw[len(kw)-1] == ' ' || bytes.Contains([]byte(kw), []byte("  ")) {
		return fmt.Errorf("keyword %q has misplaced spaces", kw)
	}
	for _, r := range kw {
		if r < 32 || (r > 126 && r < 161) || r > 255 {
			return fmt.Errorf("keyword %q has a non-printable or non-Latin-1 character", kw)
		}
	}
	return nil
}

func textChunk(e Entry) chunk {
	if latin1, ok := toLatin1(e.Text); ok {
		data := append(toLatin1Must(e.Keyword), 0)
		return chunk{typ: "tEXt", data: append(data, latin1...)}
	}
	// keyword, NUL, compression flag, compression method, language NUL, translated keyword NUL, text
	data := append(toLatin1Must(e.Keyword), 0, 0, 0, 0, 0)
	return chunk{typ: "iTXt", data: append(data, e.Text...)}
}

func parseITXt(data []byte) (Entry, bool) {
	kw, rest, ok := bytes.Cut(data, []byte{0})
	if !ok || len(rest) < 2 || rest[0] != 0 {
		return Entry{}, false // compressed iTXt not supported
	}
	rest = rest[2:]
	_, rest, ok = bytes.Cut(rest, []byte{0}) // language
	if !ok {
		return Entry{}, false
	}
	_, text, ok := bytes.Cut(rest, []byte{0}) // translated keyword
	if !ok {
		return Entry{}, false
	}
	return Entry{Keyword: latin1ToString(kw), Text: string(text)}, true
}

func keywordOf(c chunk) (string, bool) {
	if c.typ != "tEXt" && c.typ != "iTXt" && c.typ != "zTXt" {
		return "", false
	}
	kw, _, ok := bytes.Cut(c.data, []byte{0})
	if !ok {
		return "", false
	}
	return latin1ToString(kw), true
}

func toLatin1(s string) ([]byte, bool) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 255 || r == 0 {
			return nil, false
		}
		out = append(out, byte(r))
	}
	return out, true
}

// toLatin1Must is for keywords already checked by validKeyword.
func toLatin1Must(s string) []byte {
	b, _ := toLatin1(s)
	return b
}

func latin1ToString(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
