package ptable

import (
	"fmt"
	"strconv"
	"strings"
)

// Names follow the esp-idf csv conventions (gen_esp32part.py).
var (
	typeNames = map[uint8]string{
		ESP_PARTITION_TYPE_APP:  "app",
		ESP_PARTITION_TYPE_DATA: "data",
	}
	appSubNames = map[uint8]string{
		ESP_PARTITION_SUBTYPE_APP_FACTORY: "factory",
		ESP_PARTITION_SUBTYPE_APP_TEST:    "test",
	}
	dataSubNames = map[uint8]string{
		ESP_PARTITION_SUBTYPE_DATA_OTA:       "ota",
		ESP_PARTITION_SUBTYPE_DATA_PHY:       "phy",
		ESP_PARTITION_SUBTYPE_DATA_NVS:       "nvs",
		ESP_PARTITION_SUBTYPE_DATA_COREDUMP:  "coredump",
		ESP_PARTITION_SUBTYPE_DATA_NVS_KEYS:  "nvs_keys",
		ESP_PARTITION_SUBTYPE_DATA_EFUSE:     "efuse",
		ESP_PARTITION_SUBTYPE_DATA_UNDEFINED: "undefined",
		ESP_PARTITION_SUBTYPE_DATA_ESPHTTPD:  "esphttpd",
		ESP_PARTITION_SUBTYPE_DATA_FAT:       "fat",
		ESP_PARTITION_SUBTYPE_DATA_SPIFFS:    "spiffs",
		ESP_PARTITION_SUBTYPE_DATA_LITTLEFS:  "littlefs",
	}
)

func TypeName(typ uint8) string {
	if n, ok := typeNames[typ]; ok {
		return n
	}
	return fmt.Sprintf("0x%02x", typ)
}

func SubTypeName(typ, sub uint8) string {
	switch typ {
	case ESP_PARTITION_TYPE_APP:
		if sub >= ESP_PARTITION_SUBTYPE_APP_OTA_MIN && sub < ESP_PARTITION_SUBTYPE_APP_OTA_MAX {
			return fmt.Sprintf("ota_%d", sub-ESP_PARTITION_SUBTYPE_APP_OTA_MIN)
		} else if n, ok := appSubNames[sub]; ok {
			return n
		}
	case ESP_PARTITION_TYPE_DATA:
		if n, ok := dataSubNames[sub]; ok {
			return n
		}
	}
	return fmt.Sprintf("0x%02x", sub)
}

func ParseType(s string) (uint8, error) {
	for t, n := range typeNames {
		if n == s {
			return t, nil
		}
	}
	if v, err := strconv.ParseUint(s, 0, 8); err == nil {
		return uint8(v), nil
	}
	return 0, fmt.Errorf("bad partition type %q", s)
}

func ParseSubType(typ uint8, s string) (uint8, error) {
	names := dataSubNames
	if typ == ESP_PARTITION_TYPE_APP {
		names = appSubNames
		if slot, ok := strings.CutPrefix(s, "ota_"); ok {
			if v, err := strconv.ParseUint(slot, 10, 8); err == nil &&
				v < ESP_PARTITION_SUBTYPE_APP_OTA_MAX-ESP_PARTITION_SUBTYPE_APP_OTA_MIN {
				return OtaSubType(int(v)), nil
			}
		}
	}
	for t, n := range names {
		if n == s {
			return t, nil
		}
	}
	if v, err := strconv.ParseUint(s, 0, 8); err == nil {
		return uint8(v), nil
	}
	return 0, fmt.Errorf("bad partition subtype %q for type %s", s, TypeName(typ))
}
