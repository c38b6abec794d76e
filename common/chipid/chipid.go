package chipid

import "fmt"

type (
	// A chipid.Id identifies the chip family a firmware image was built
	// for. It comes from the chip_id field of the image header, so values
	// must match what the esp-idf bootloader writes and never change.
	Id uint16
)

const (
	Esp32   Id = 0x0000
	Esp32S2 Id = 0x0002
	Esp32C3 Id = 0x0005
	Esp32S3 Id = 0x0009
	Esp32C2 Id = 0x000C
	Esp32C6 Id = 0x000D
	Esp32H2 Id = 0x0010
	Esp32P4 Id = 0x0012

	// legacy images predate the field and leave it as ones
	Invalid Id = 0xFFFF
)

var names = map[Id]string{
	Esp32:   "esp32",
	Esp32S2: "esp32s2",
	Esp32C3: "esp32c3",
	Esp32S3: "esp32s3",
	Esp32C2: "esp32c2",
	Esp32C6: "esp32c6",
	Esp32H2: "esp32h2",
	Esp32P4: "esp32p4",
}

func (id Id) Known() bool {
	_, ok := names[id]
	return ok
}

func (id Id) String() string {
	if n, ok := names[id]; ok {
		return n
	} else if id == Invalid {
		return "invalid"
	}
	return fmt.Sprintf("chip_id(0x%04x)", uint16(id))
}
