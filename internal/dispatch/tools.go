package dispatch

import "mcp-resource-server/internal/sandbox"

// Tool names.
const (
	ToolRead           = "read"
	ToolWrite          = "write"
	ToolDelete         = "delete"
	ToolList           = "list"
	ToolMkdir          = "mkdir"
	ToolExists         = "exists"
	ToolMemoryStore    = "memory-store"
	ToolMemoryRetrieve = "memory-retrieve"
	ToolMemoryDelete   = "memory-delete"
	ToolMemoryClear    = "memory-clear"
	ToolMemoryExists   = "memory-exists"
	ToolMemoryStats    = "memory-stats"
)

// maxTTLSeconds keeps ttl * time.Second well inside time.Duration.
const maxTTLSeconds = 10 * 365 * 24 * 3600

var encodingParam = Param{
	Name:        "encoding",
	Type:        TypeString,
	Description: "Content encoding; binary content should use base64",
	Enum:        []string{sandbox.EncodingUTF8, sandbox.EncodingBase64},
}

func pathParam(desc string) Param {
	return Param{Name: "path", Type: TypeString, Required: true, Description: desc}
}

func keyParam() Param {
	return Param{Name: "key", Type: TypeString, Required: true, Description: "Memory key"}
}

// toolDefinitions lists every tool in presentation order.
func toolDefinitions() []Tool {
	return []Tool{
		{
			Name:        ToolRead,
			Description: "Read a file from the sandboxed filesystem",
			Params:      []Param{pathParam("File path relative to the sandbox root"), encodingParam},
		},
		{
			Name:        ToolWrite,
			Description: "Write a file atomically, creating parent directories as needed",
			Params: []Param{
				pathParam("File path relative to the sandbox root"),
				{Name: "content", Type: TypeString, Required: true, Description: "File content"},
				encodingParam,
			},
		},
		{
			Name:        ToolDelete,
			Description: "Delete a file",
			Params:      []Param{pathParam("File path relative to the sandbox root")},
		},
		{
			Name:        ToolList,
			Description: "List a directory; an empty path lists the sandbox root",
			Params: []Param{
				{Name: "path", Type: TypeString, Description: "Directory path relative to the sandbox root"},
				{Name: "recursive", Type: TypeBoolean, Description: "Descend into subdirectories"},
			},
		},
		{
			Name:        ToolMkdir,
			Description: "Create a directory and any missing parents",
			Params:      []Param{pathParam("Directory path relative to the sandbox root")},
		},
		{
			Name:        ToolExists,
			Description: "Check whether a file or directory exists",
			Params:      []Param{pathParam("Path relative to the sandbox root")},
		},
		{
			Name:        ToolMemoryStore,
			Description: "Store a value in memory with a time-to-live",
			Params: []Param{
				keyParam(),
				{Name: "value", Type: TypeAny, Required: true, Description: "Value to store"},
				{Name: "ttl", Type: TypeInteger, Description: "Time to live in seconds; 0 or absent uses the default", Max: maxTTLSeconds},
			},
		},
		{
			Name:        ToolMemoryRetrieve,
			Description: "Retrieve a value from memory",
			Params:      []Param{keyParam()},
		},
		{
			Name:        ToolMemoryDelete,
			Description: "Delete a value from memory",
			Params:      []Param{keyParam()},
		},
		{
			Name:        ToolMemoryClear,
			Description: "Remove every value from memory",
		},
		{
			Name:        ToolMemoryExists,
			Description: "Check whether a key holds a live value",
			Params:      []Param{keyParam()},
		},
		{
			Name:        ToolMemoryStats,
			Description: "Report memory usage",
		},
	}
}
