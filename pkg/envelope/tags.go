package envelope

// Action tags are grouped by family (Provider/Subtle/KeyStorage/
// CertStorage) so a malformed or forged tag from one family can never
// alias an action in another.
const (
	tagProviderInfo      uint16 = 0x0100
	tagProviderGetCrypto uint16 = 0x0101
	tagIsLoggedIn        uint16 = 0x0102
	tagLogin             uint16 = 0x0103

	tagDigest      uint16 = 0x0200
	tagGenerateKey uint16 = 0x0201
	tagSign        uint16 = 0x0202
	tagVerify      uint16 = 0x0203
	tagEncrypt     uint16 = 0x0204
	tagDecrypt     uint16 = 0x0205
	tagDeriveBits  uint16 = 0x0206
	tagDeriveKey   uint16 = 0x0207
	tagUnwrapKey   uint16 = 0x0208
	tagImportKey   uint16 = 0x0209
	tagExportKey   uint16 = 0x020A
	tagWrapKey     uint16 = 0x020B

	tagKeyStorageGetItem    uint16 = 0x0300
	tagKeyStorageSetItem    uint16 = 0x0301
	tagKeyStorageRemoveItem uint16 = 0x0302
	tagKeyStorageKeys       uint16 = 0x0303
	tagKeyStorageClear      uint16 = 0x0304

	tagCertStorageGetItem    uint16 = 0x0400
	tagCertStorageSetItem    uint16 = 0x0401
	tagCertStorageRemoveItem uint16 = 0x0402
	tagCertStorageKeys       uint16 = 0x0403
	tagCertStorageClear      uint16 = 0x0404
	tagImportCert            uint16 = 0x0405
	tagExportCert            uint16 = 0x0406

	// Unsolicited server->client events share the envelope wire format
	// but never appear as the Action of a client-sent ActionEnvelope.
	tagEventAuthorized  uint16 = 0x0500
	tagEventTokenChange uint16 = 0x0501
)

// actionTags is the single source of truth mapping a stable action
// name to its wire tag. Every handler registered in pkg/dispatcher and
// every call issued from pkg/client goes through this table, so a
// typo in an action name fails at encode time rather than producing a
// silently-misrouted frame.
var actionTags = map[string]uint16{
	"ProviderInfo":      tagProviderInfo,
	"ProviderGetCrypto": tagProviderGetCrypto,
	"IsLoggedIn":        tagIsLoggedIn,
	"Login":             tagLogin,

	"Digest":      tagDigest,
	"GenerateKey": tagGenerateKey,
	"Sign":        tagSign,
	"Verify":      tagVerify,
	"Encrypt":     tagEncrypt,
	"Decrypt":     tagDecrypt,
	"DeriveBits":  tagDeriveBits,
	"DeriveKey":   tagDeriveKey,
	"UnwrapKey":   tagUnwrapKey,
	"ImportKey":   tagImportKey,
	"ExportKey":   tagExportKey,
	"WrapKey":     tagWrapKey,

	"KeyStorage.GetItem":    tagKeyStorageGetItem,
	"KeyStorage.SetItem":    tagKeyStorageSetItem,
	"KeyStorage.RemoveItem": tagKeyStorageRemoveItem,
	"KeyStorage.Keys":       tagKeyStorageKeys,
	"KeyStorage.Clear":      tagKeyStorageClear,

	"CertStorage.GetItem":    tagCertStorageGetItem,
	"CertStorage.SetItem":    tagCertStorageSetItem,
	"CertStorage.RemoveItem": tagCertStorageRemoveItem,
	"CertStorage.Keys":       tagCertStorageKeys,
	"CertStorage.Clear":      tagCertStorageClear,
	"ImportCert":             tagImportCert,
	"ExportCert":             tagExportCert,

	"token.authorized": tagEventAuthorized,
	"token.change":     tagEventTokenChange,
}

var tagActions map[uint16]string

func init() {
	tagActions = make(map[uint16]string, len(actionTags))
	for action, tag := range actionTags {
		tagActions[tag] = action
	}
}

// TagForAction resolves an action name to its stable wire tag.
func TagForAction(action string) (uint16, bool) {
	tag, ok := actionTags[action]
	return tag, ok
}

// ActionForTag is the inverse of TagForAction, used when decoding a
// frame off the wire.
func ActionForTag(tag uint16) (string, bool) {
	action, ok := tagActions[tag]
	return action, ok
}
