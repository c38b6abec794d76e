package ptable

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dnr/flint/common"
	"github.com/lunixbochs/struc"
)

// References:
// https://github.com/espressif/esp-idf/blob/master/components/esp_partition/include/esp_partition.h
// https://github.com/espressif/esp-idf/blob/master/components/bootloader_support/include/esp_flash_partitions.h
// https://docs.espressif.com/projects/esp-idf/en/latest/esp32/api-guides/partition-tables.html

const (
	ESP_PARTITION_MAGIC     = 0x50AA
	ESP_PARTITION_MAGIC_MD5 = 0xEBEB

	// where the binary table lives on flash, and how big it may be
	ESP_PARTITION_TABLE_OFFSET      = 0x8000
	ESP_PARTITION_TABLE_MAX_LEN     = 0xC00
	ESP_PARTITION_ENTRY_SIZE        = 32
	ESP_PARTITION_TABLE_MAX_ENTRIES = ESP_PARTITION_TABLE_MAX_LEN/ESP_PARTITION_ENTRY_SIZE - 1

	ESP_PARTITION_TYPE_APP  = 0x00
	ESP_PARTITION_TYPE_DATA = 0x01

	/* app partition subtypes */
	ESP_PARTITION_SUBTYPE_APP_FACTORY = 0x00
	ESP_PARTITION_SUBTYPE_APP_OTA_MIN = 0x10
	ESP_PARTITION_SUBTYPE_APP_OTA_MAX = 0x20 // exclusive
	ESP_PARTITION_SUBTYPE_APP_TEST    = 0x20

	/* data partition subtypes */
	ESP_PARTITION_SUBTYPE_DATA_OTA       = 0x00 // ota selection state
	ESP_PARTITION_SUBTYPE_DATA_PHY       = 0x01
	ESP_PARTITION_SUBTYPE_DATA_NVS       = 0x02
	ESP_PARTITION_SUBTYPE_DATA_COREDUMP  = 0x03
	ESP_PARTITION_SUBTYPE_DATA_NVS_KEYS  = 0x04
	ESP_PARTITION_SUBTYPE_DATA_EFUSE     = 0x05
	ESP_PARTITION_SUBTYPE_DATA_UNDEFINED = 0x06
	ESP_PARTITION_SUBTYPE_DATA_ESPHTTPD  = 0x80
	ESP_PARTITION_SUBTYPE_DATA_FAT       = 0x81
	ESP_PARTITION_SUBTYPE_DATA_SPIFFS    = 0x82
	ESP_PARTITION_SUBTYPE_DATA_LITTLEFS  = 0x83

	ESP_PARTITION_SUBTYPE_ANY = 0xFF

	/* entry flag bits */
	ESP_PARTITION_FLAG_ENCRYPTED = 1 << 0
	ESP_PARTITION_FLAG_READONLY  = 1 << 1

	/* alignment required of partition offsets */
	ESP_PARTITION_APP_ALIGN  = 0x10000
	ESP_PARTITION_DATA_ALIGN = 0x1000

	// otadata partitions are always two select entry sectors
	ESP_PARTITION_OTA_DATA_SIZE = 0x2000
)

type (
	entry struct {
		// typedef struct {
		// 	uint16_t magic;
		Magic uint16
		// 	uint8_t  type;
		Type uint8
		// 	uint8_t  subtype;
		SubType uint8
		// 	esp_partition_pos_t pos;  /* uint32 offset, uint32 size */
		Offset uint32
		Size   uint32
		// 	uint8_t  label[16];
		Label [16]byte
		// 	uint32_t flags;
		Flags uint32
		// } esp_partition_info_t;
	}
)

var _popts = struc.Options{Order: binary.LittleEndian}

func pack(out io.Writer, v any) error {
	return struc.PackWithOptions(out, v, &_popts)
}

func packToBytes(v any) ([]byte, error) {
	var b bytes.Buffer
	err := struc.PackWithOptions(&b, v, &_popts)
	return common.ValOrErr(b.Bytes(), err)
}

func unpack(in io.Reader, v any) error {
	return struc.UnpackWithOptions(in, v, &_popts)
}
