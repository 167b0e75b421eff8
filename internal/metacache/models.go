package metacache

// Host is a row of the tracker's host table.
type Host struct {
	HostID      uint64  `gorm:"column:hostid;primaryKey;autoIncrement:false"`
	Status      string  `gorm:"column:status"`
	HostName    string  `gorm:"column:hostname"`
	HostIP      string  `gorm:"column:hostip"`
	AltIP       *string `gorm:"column:altip"`
	HTTPPort    *int    `gorm:"column:http_port"`
	HTTPGetPort *int    `gorm:"column:http_get_port"`
}

func (Host) TableName() string { return "host" }

// Device is a row of the device table.
type Device struct {
	DevID  uint64 `gorm:"column:devid;primaryKey;autoIncrement:false"`
	HostID uint64 `gorm:"column:hostid;index"`
	Status string `gorm:"column:status"`
}

func (Device) TableName() string { return "device" }

// Domain is a row of the domain table.
type Domain struct {
	DmID      uint64 `gorm:"column:dmid;primaryKey;autoIncrement:false"`
	Namespace string `gorm:"column:namespace;uniqueIndex"`
}

func (Domain) TableName() string { return "domain" }

// File is a row of the file table.
type File struct {
	FID      uint64 `gorm:"column:fid;primaryKey;autoIncrement:false"`
	DmID     uint64 `gorm:"column:dmid;uniqueIndex:idx_file_dkey"`
	DKey     string `gorm:"column:dkey;uniqueIndex:idx_file_dkey"`
	Length   int64  `gorm:"column:length"`
	ClassID  uint64 `gorm:"column:classid"`
	DevCount int    `gorm:"column:devcount"`
}

func (File) TableName() string { return "file" }

// FileOn maps a file to one device holding a replica.
type FileOn struct {
	FID   uint64 `gorm:"column:fid;primaryKey;autoIncrement:false"`
	DevID uint64 `gorm:"column:devid;primaryKey;autoIncrement:false"`
}

func (FileOn) TableName() string { return "file_on" }

// AllModels returns every table model, in migration order.
func AllModels() []interface{} {
	return []interface{}{&Host{}, &Device{}, &Domain{}, &File{}, &FileOn{}}
}

// deviceRow is one result row of the device/host join.
type deviceRow struct {
	DevID       uint64  `gorm:"column:devid"`
	DevStatus   string  `gorm:"column:dev_status"`
	HostIP      *string `gorm:"column:hostip"`
	AltIP       *string `gorm:"column:altip"`
	HTTPPort    *int    `gorm:"column:http_port"`
	HTTPGetPort *int    `gorm:"column:http_get_port"`
	HostStatus  *string `gorm:"column:host_status"`
}
