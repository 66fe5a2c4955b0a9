package conf

// Drive busy policies
const (
	BusyPolicyQueue  = "queue"
	BusyPolicyReject = "reject"
)

// Transfer sources and verification modes
const (
	SourceLocal = "local"
	SourceSFTP  = "sftp"

	VerifySize   = "size"
	VerifySHA256 = "sha256"
)

// Recognition backends
const (
	BackendOpenCV = "opencv"
	BackendTFLite = "tflite"
)

// Catalog backends
const (
	CatalogSQLite = "sqlite"
	CatalogMySQL  = "mysql"
)
