package configstore

// Shared-store keyspace. Entity documents are JSON keyed by id; list keys
// hold JSON arrays or objects replaced wholesale on write.
const (
	keyVersion          = "formgate:config:version"
	keyBlockedKeywords  = "formgate:keywords:blocked"
	keyFlaggedKeywords  = "formgate:keywords:flagged"
	keyBlockedDigests   = "formgate:digests:blocked"
	keyIPAllow          = "formgate:ip:allow"
	keyIPDeny           = "formgate:ip:deny"
	keyGlobalThresholds = "formgate:thresholds:global"

	vhostKeyPrefix    = "formgate:vhost:"
	endpointKeyPrefix = "formgate:endpoint:"
)
