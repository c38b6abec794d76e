package ptable

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/dnr/flint/flash"
)

// ParseCSV parses the partition table csv format used by the esp-idf
// tools: name, type, subtype, offset, size, flags. An empty offset means
// "right after the previous partition", aligned for the type. Sizes take
// K and M suffixes.
func ParseCSV(data []byte) (*Table, error) {
	t := &Table{}
	next := int64(ESP_PARTITION_TABLE_OFFSET) + flash.NativeBlockSize
	sc := bufio.NewScanner(bytes.NewReader(data))
	for lnum := 1; sc.Scan(); lnum++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		// a trailing comma leaves an empty flags field
		if len(fields) == 6 && fields[5] == "" {
			fields = fields[:5]
		}
		if len(fields) < 5 || len(fields) > 6 {
			return nil, fmt.Errorf("line %d: want 5 or 6 fields, got %d", lnum, len(fields))
		}

		var p Partition
		var err error
		p.Label = fields[0]
		if p.Type, err = ParseType(fields[1]); err != nil {
			return nil, fmt.Errorf("line %d: %w", lnum, err)
		}
		if p.SubType, err = ParseSubType(p.Type, fields[2]); err != nil {
			return nil, fmt.Errorf("line %d: %w", lnum, err)
		}
		align := int64(ESP_PARTITION_DATA_ALIGN)
		if p.Type == ESP_PARTITION_TYPE_APP {
			align = ESP_PARTITION_APP_ALIGN
		}
		if fields[3] == "" {
			p.Offset = (next + align - 1) / align * align
		} else if p.Offset, err = ParseSize(fields[3]); err != nil {
			return nil, fmt.Errorf("line %d: offset: %w", lnum, err)
		}
		if p.Size, err = ParseSize(fields[4]); err != nil {
			return nil, fmt.Errorf("line %d: size: %w", lnum, err)
		}
		if len(fields) == 6 {
			for _, f := range strings.Split(fields[5], ":") {
				switch f {
				case "encrypted":
					p.Encrypted = true
				case "readonly":
					p.ReadOnly = true
				default:
					return nil, fmt.Errorf("line %d: unknown flag %q", lnum, f)
				}
			}
		}
		next = p.Offset + p.Size
		t.Parts = append(t.Parts, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseSize parses a size or offset in the csv convention: decimal, hex
// with 0x, or with a K or M suffix.
func ParseSize(s string) (int64, error) {
	mult := int64(1)
	if n, ok := strings.CutSuffix(s, "K"); ok {
		s, mult = n, 1024
	} else if n, ok := strings.CutSuffix(s, "k"); ok {
		s, mult = n, 1024
	} else if n, ok := strings.CutSuffix(s, "M"); ok {
		s, mult = n, 1024*1024
	} else if n, ok := strings.CutSuffix(s, "m"); ok {
		s, mult = n, 1024*1024
	}
	v, err := strconv.ParseInt(s, 0, 64)
	return v * mult, err
}

func (t *Table) MarshalCSV() []byte {
	var b bytes.Buffer
	b.WriteString("# Name, Type, SubType, Offset, Size, Flags\n")
	for i := range t.Parts {
		p := &t.Parts[i]
		var flags []string
		if p.Encrypted {
			flags = append(flags, "encrypted")
		}
		if p.ReadOnly {
			flags = append(flags, "readonly")
		}
		fmt.Fprintf(&b, "%s,%s,%s,0x%x,0x%x,%s\n",
			p.Label, TypeName(p.Type), SubTypeName(p.Type, p.SubType),
			p.Offset, p.Size, strings.Join(flags, ":"))
	}
	return b.Bytes()
}
