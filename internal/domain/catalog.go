package domain

type ExtensionInfo struct {
	Name      string        `json:"name"`
	Version   string        `json:"version,omitempty"`
	Source    string        `json:"source,omitempty"`
	Installed bool          `json:"installed"`
	Origin    CatalogOrigin `json:"origin"`
}

type ModelInfo struct {
	Name      string        `json:"name"`
	Folder    string        `json:"folder,omitempty"`
	Source    string        `json:"source,omitempty"`
	Installed bool          `json:"installed"`
	Origin    CatalogOrigin `json:"origin"`
}
