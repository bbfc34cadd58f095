package types

// ReportBase holds the identity fields supplied by the embedding process.
// They are copied into every report unchanged.
type ReportBase struct {
	ServerName       string `json:"serverName"`
	ScraperName      string `json:"scraperName"`
	ProjectCode      string `json:"projectCode"`
	ScraperType      string `json:"scraperType"`
	RequestFrequency int64  `json:"requestFrequency"`
}

// TimePeriod bounds a reporting window in unix milliseconds
type TimePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type ExceptionTypes struct {
	ConnectionError uint64 `json:"connectionError"`
	TimeoutError    uint64 `json:"timeoutError"`
	ParseError      uint64 `json:"parseError"`
}

// Usage is expressed in megabytes
type Usage struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
}

type SystemResources struct {
	CPUUsage    string `json:"cpuUsage"`
	MemoryUsage Usage  `json:"memoryUsage"`
	DiskUsage   Usage  `json:"diskUsage"`
}

// Report is the document pushed to collectors once per reporting window.
type Report struct {
	ReportBase

	TimePeriod            TimePeriod         `json:"timePeriod"`
	ErrorRate             float64            `json:"errorRate"`
	ExceptionTypes        ExceptionTypes     `json:"exceptionTypes"`
	RuntimeDuration       int64              `json:"runtimeDuration"`
	TotalRequests         uint64             `json:"totalRequests"`
	CacheHitRate          float64            `json:"cacheHitRate"`
	CacheHit              uint64             `json:"cacheHit"`
	HTTPStatusCodes       map[string]uint64  `json:"httpStatusCodes"`
	AverageRequestLatency float64            `json:"averageRequestLatency"`
	HostsPingDelay        map[string]float64 `json:"hostsPingDelay"`
	SystemResources       SystemResources    `json:"systemResources"`
}
