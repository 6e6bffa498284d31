package raven

// ExtensionType categorizes SMTP extensions by their nature.
type ExtensionType int

const (
	// ExtTypeIntrinsic extensions are always enabled and fundamental to modern SMTP.
	// These include: ENHANCEDSTATUSCODES, PIPELINING, 8BITMIME, SMTPUTF8.
	ExtTypeIntrinsic ExtensionType = iota

	// ExtTypeOptIn extensions must be explicitly enabled.
	// These include: DSN, CHUNKING/BINARYMIME, AUTH, STARTTLS.
	ExtTypeOptIn
)

// ExtensionInfo provides metadata about an SMTP extension.
type ExtensionInfo struct {
	Name         Extension
	Type         ExtensionType
	RFC          string
	Description  string
	Dependencies []Extension
}

// IntrinsicExtensions are always enabled.
var IntrinsicExtensions = []ExtensionInfo{
	{ExtEnhancedStatusCodes, ExtTypeIntrinsic, "RFC 2034", "Enhanced status codes", nil},
	{Ext8BitMIME, ExtTypeIntrinsic, "RFC 6152", "8-bit MIME transport", nil},
	{ExtSMTPUTF8, ExtTypeIntrinsic, "RFC 6531", "Internationalized email", []Extension{Ext8BitMIME}},
	{ExtPipelining, ExtTypeIntrinsic, "RFC 2920", "Command pipelining", nil},
	{ExtRequireTLS, ExtTypeIntrinsic, "RFC 8689", "Require TLS for transmission", []Extension{ExtSTARTTLS}},
}

// OptInExtensions require explicit configuration.
var OptInExtensions = []ExtensionInfo{
	{ExtSTARTTLS, ExtTypeOptIn, "RFC 3207", "TLS encryption upgrade", nil},
	{ExtAuth, ExtTypeOptIn, "RFC 4954", "SMTP authentication", nil},
	{ExtSize, ExtTypeOptIn, "RFC 1870", "Message size declaration", nil},
	{ExtDSN, ExtTypeOptIn, "RFC 3461", "Delivery Status Notifications", nil},
	{ExtChunking, ExtTypeOptIn, "RFC 3030", "Chunked message transfer", nil},
	{ExtBinaryMIME, ExtTypeOptIn, "RFC 3030", "Binary MIME transfer", []Extension{ExtChunking}},
}

// effectiveExtensions reports every extension a given configuration would
// have active at once, intrinsic plus whichever opt-ins it enables. It is
// used by buildExtensions to seed the per-connection advertisement set.
func effectiveExtensions(enabled map[Extension]bool) []ExtensionInfo {
	all := make([]ExtensionInfo, 0, len(IntrinsicExtensions)+len(OptInExtensions))
	all = append(all, IntrinsicExtensions...)
	for _, ext := range OptInExtensions {
		if enabled[ext.Name] {
			all = append(all, ext)
		}
	}
	return all
}
