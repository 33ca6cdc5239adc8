package ldap

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// GUIDHandler provides GUID operations for Active Directory.
// Active Directory stores GUIDs in a mixed-endian format that differs from
// standard UUID byte ordering.
type GUIDHandler struct{}

// NewGUIDHandler creates a new GUID handler instance.
func NewGUIDHandler() *GUIDHandler {
	return &GUIDHandler{}
}

var (
	// Hyphenated GUID format: 12345678-1234-1234-1234-123456789012
	hyphenatedGUIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// Compact GUID format: 32 hex digits without hyphens
	compactGUIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// GUIDBytesLength is the binary size of a GUID.
const GUIDBytesLength = 16

// IsValidGUID checks if a string is a valid GUID format (hyphenated or compact).
func (g *GUIDHandler) IsValidGUID(guidString string) bool {
	if guidString == "" {
		return false
	}

	return hyphenatedGUIDRegex.MatchString(guidString) || compactGUIDRegex.MatchString(guidString)
}

// NormalizeGUID converts a GUID string to standard hyphenated lowercase format.
func (g *GUIDHandler) NormalizeGUID(guidString string) (string, error) {
	if guidString == "" {
		return "", fmt.Errorf("GUID string cannot be empty")
	}

	guidString = strings.TrimSpace(guidString)

	if hyphenatedGUIDRegex.MatchString(guidString) {
		return strings.ToLower(guidString), nil
	}

	if compactGUIDRegex.MatchString(guidString) {
		guidString = strings.ToLower(guidString)
		return fmt.Sprintf("%s-%s-%s-%s-%s",
			guidString[0:8],
			guidString[8:12],
			guidString[12:16],
			guidString[16:20],
			guidString[20:32],
		), nil
	}

	return "", fmt.Errorf("invalid GUID format: %s", guidString)
}

// StringToGUIDBytes converts a GUID string to Active Directory byte format.
// Active Directory uses mixed-endian encoding: the first three groups are
// little-endian, the final eight bytes keep their order.
func (g *GUIDHandler) StringToGUIDBytes(guidString string) ([]byte, error) {
	normalizedGUID, err := g.NormalizeGUID(guidString)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize GUID: %w", err)
	}

	guidHex := strings.ReplaceAll(normalizedGUID, "-", "")

	guidBytes, err := hex.DecodeString(guidHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode GUID hex: %w", err)
	}

	if len(guidBytes) != GUIDBytesLength {
		return nil, fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	adBytes := make([]byte, GUIDBytesLength)

	// Data1 (bytes 0-3): little-endian
	adBytes[0] = guidBytes[3]
	adBytes[1] = guidBytes[2]
	adBytes[2] = guidBytes[1]
	adBytes[3] = guidBytes[0]

	// Data2 (bytes 4-5): little-endian
	adBytes[4] = guidBytes[5]
	adBytes[5] = guidBytes[4]

	// Data3 (bytes 6-7): little-endian
	adBytes[6] = guidBytes[7]
	adBytes[7] = guidBytes[6]

	// Data4 (bytes 8-15): big-endian
	copy(adBytes[8:], guidBytes[8:])

	return adBytes, nil
}

// GUIDBytesToString converts Active Directory GUID bytes to standard string format.
func (g *GUIDHandler) GUIDBytesToString(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	standardBytes := make([]byte, GUIDBytesLength)

	// Reverse the mixed-endian groups back to standard ordering
	standardBytes[0] = guidBytes[3]
	standardBytes[1] = guidBytes[2]
	standardBytes[2] = guidBytes[1]
	standardBytes[3] = guidBytes[0]

	standardBytes[4] = guidBytes[5]
	standardBytes[5] = guidBytes[4]

	standardBytes[6] = guidBytes[7]
	standardBytes[7] = guidBytes[6]

	copy(standardBytes[8:], guidBytes[8:])

	hexString := hex.EncodeToString(standardBytes)

	return fmt.Sprintf("%s-%s-%s-%s-%s",
		hexString[0:8],
		hexString[8:12],
		hexString[12:16],
		hexString[16:20],
		hexString[20:32],
	), nil
}

// GUIDToSearchFilter creates an LDAP search filter for a GUID using binary format.
// This is the most efficient way to search for objects by GUID in Active Directory.
func (g *GUIDHandler) GUIDToSearchFilter(guidString string) (string, error) {
	guidBytes, err := g.StringToGUIDBytes(guidString)
	if err != nil {
		return "", fmt.Errorf("failed to convert GUID to bytes: %w", err)
	}

	return fmt.Sprintf("(objectGUID=%s)", ldap.EscapeFilter(string(guidBytes))), nil
}

// ExtractGUID extracts the objectGUID from an LDAP entry and returns it as a string.
func (g *GUIDHandler) ExtractGUID(entry *ldap.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	guidAttr := entry.GetRawAttributeValue("objectGUID")
	if len(guidAttr) == 0 {
		return "", fmt.Errorf("objectGUID attribute not found in entry")
	}

	if len(guidAttr) != GUIDBytesLength {
		return "", fmt.Errorf("invalid objectGUID length: expected %d bytes, got %d", GUIDBytesLength, len(guidAttr))
	}

	return g.GUIDBytesToString(guidAttr)
}

// ExtractGUIDSafe extracts the objectGUID from an LDAP entry, returning empty string if not found.
func (g *GUIDHandler) ExtractGUIDSafe(entry *ldap.Entry) string {
	guid, err := g.ExtractGUID(entry)
	if err != nil {
		return ""
	}
	return guid
}

// CompareGUIDs compares two GUID strings for equality, handling different formats.
func (g *GUIDHandler) CompareGUIDs(guid1, guid2 string) (bool, error) {
	normalized1, err := g.NormalizeGUID(guid1)
	if err != nil {
		return false, fmt.Errorf("failed to normalize first GUID: %w", err)
	}

	normalized2, err := g.NormalizeGUID(guid2)
	if err != nil {
		return false, fmt.Errorf("failed to normalize second GUID: %w", err)
	}

	return strings.EqualFold(normalized1, normalized2), nil
}

// GenerateGUIDSearchRequest creates a SearchRequest for finding an object by GUID.
func (g *GUIDHandler) GenerateGUIDSearchRequest(baseDN, guidString string) (*SearchRequest, error) {
	filter, err := g.GUIDToSearchFilter(guidString)
	if err != nil {
		return nil, fmt.Errorf("failed to create GUID search filter: %w", err)
	}

	return &SearchRequest{
		BaseDN:     baseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     filter,
		Attributes: []string{"objectGUID", "distinguishedName", "objectClass"},
		SizeLimit:  1, // GUID should be unique
	}, nil
}
