package format

import (
	"encoding/binary"
	"errors"
	"testing"

	rerrors "github.com/FocuswithJustin/RecallRecover/core/errors"
)

func makeHeader(pageSize uint16) []byte {
	data := make([]byte, HeaderSize)
	copy(data, MagicString)
	binary.BigEndian.PutUint16(data[OffsetPageSize:], pageSize)
	data[OffsetWriteVersion] = 2
	data[OffsetReadVersion] = 2
	binary.BigEndian.PutUint32(data[OffsetDatabaseSize:], 42)
	binary.BigEndian.PutUint32(data[OffsetTextEncoding:], 1)
	return data
}

func TestReadPageSize(t *testing.T) {
	tests := []struct {
		name    string
		raw     uint16
		want    int
		wantErr bool
	}{
		{"4096", 0x1000, 4096, false},
		{"512", 0x0200, 512, false},
		{"32768", 0x8000, 32768, false},
		{"one means 65536", 1, 65536, false},
		{"zero", 0, 0, true},
		{"not power of two", 1000, 0, true},
		{"below minimum", 256, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadPageSize(makeHeader(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadPageSize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ReadPageSize() = %d, want %d", got, tt.want)
			}
			if err != nil && !errors.Is(err, rerrors.ErrCorrupt) {
				t.Errorf("error %v should wrap ErrCorrupt", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidPageSize) {
				t.Errorf("error %v should wrap ErrInvalidPageSize", err)
			}
		})
	}
}

func TestReadPageSizeShortFile(t *testing.T) {
	if _, err := ReadPageSize(make([]byte, 17)); err == nil {
		t.Error("expected error for 17-byte file")
	}
}

func TestReadPageSizeIgnoresMagic(t *testing.T) {
	data := makeHeader(0x1000)
	copy(data, "garbage garbage!")
	got, err := ReadPageSize(data)
	if err != nil || got != 4096 {
		t.Errorf("ReadPageSize() = %d, %v; want 4096, nil", got, err)
	}
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader(makeHeader(0x1000))
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.PageSize != 4096 {
		t.Errorf("PageSize = %d, want 4096", h.PageSize)
	}
	if h.DatabaseSize != 42 {
		t.Errorf("DatabaseSize = %d, want 42", h.DatabaseSize)
	}
	if !h.IsWAL() {
		t.Error("IsWAL() = false, want true")
	}

	bad := makeHeader(0x1000)
	bad[0] = 'X'
	if _, err := ParseHeader(bad); err == nil {
		t.Error("expected bad magic error")
	}
	if _, err := ParseHeader(bad[:50]); err == nil {
		t.Error("expected short header error")
	}
}

func TestIsValidPageSize(t *testing.T) {
	for size := MinPageSize; size <= MaxPageSize; size *= 2 {
		if !IsValidPageSize(size) {
			t.Errorf("IsValidPageSize(%d) = false", size)
		}
	}
	for _, size := range []int{0, 1, 511, 513, 4095, 65537, 131072} {
		if IsValidPageSize(size) {
			t.Errorf("IsValidPageSize(%d) = true", size)
		}
	}
}

func TestPageOffset(t *testing.T) {
	tests := []struct {
		page, size int
		want       int64
	}{
		{1, 4096, 0},
		{7, 4096, 6 * 4096},
		{255, 65536, 254 * 65536},
		{0, 4096, 0},
	}
	for _, tt := range tests {
		if got := PageOffset(tt.page, tt.size); got != tt.want {
			t.Errorf("PageOffset(%d, %d) = %d, want %d", tt.page, tt.size, got, tt.want)
		}
	}
}
