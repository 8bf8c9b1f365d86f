package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// ServiceInfo is the content of a listener's TXT records.
type ServiceInfo struct {
	Version string
	Methods []string
}

// EncodeServiceTXT creates the TXT records for a listener.
func EncodeServiceTXT(info ServiceInfo) TXTRecordMap {
	txt := make(TXTRecordMap)
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}
	if len(info.Methods) > 0 {
		txt[TXTKeyMethods] = strings.Join(info.Methods, ",")
	}
	return txt
}

// DecodeServiceTXT parses a listener's TXT records. Unknown keys are ignored.
func DecodeServiceTXT(txt TXTRecordMap) ServiceInfo {
	info := ServiceInfo{Version: txt[TXTKeyVersion]}
	if m := txt[TXTKeyMethods]; m != "" {
		for _, name := range strings.Split(m, ",") {
			if name = strings.TrimSpace(name); name != "" {
				info.Methods = append(info.Methods, name)
			}
		}
	}
	return info
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
