package engine

// StoreRequest 是一次存储请求
type StoreRequest struct {
	ID       string
	FileName string
	// Checksum 是调用方声明的 MD5 (hex)，为空时不校验
	Checksum string
	FileSize int64
	// OriginURL 指向原始文件: file://, http(s):// 或本地绝对路径
	OriginURL    string
	SubDirectory string
}

// FileReference 指向一个已存储的文件
type FileReference struct {
	// URL: 小文件为 <archiveKey>?fileName=<member>，大文件为普通 key
	URL      string
	Checksum string
	FileSize int64
	// PendingActionRemaining 为 true 表示文件还在本地构建目录中，尚未上传
	PendingActionRemaining bool
}

type RetrieveRequest struct {
	ID             string
	Reference      FileReference
	RestorationDir string
}

type DeleteRequest struct {
	ID        string
	Reference FileReference
}
