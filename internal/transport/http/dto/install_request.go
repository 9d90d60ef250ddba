package dto

import (
	"strings"

	"github.com/flowcanvas/companion/internal/domain"
)

// InstallExtensionRequest accepts the field names extension managers commonly use for the
// same thing. The first non-empty of Target, Source, URL, ID identifies the extension.
type InstallExtensionRequest struct {
	Target string `json:"target"`
	Source string `json:"source"`
	URL    string `json:"url"`
	ID     string `json:"id"`
	Name   string `json:"name"`
}

func (r *InstallExtensionRequest) Validate() []string {
	var errors []string
	if r.source() == "" {
		errors = append(errors, "one of target, source, url or id is required")
	}
	return errors
}

func (r *InstallExtensionRequest) source() string {
	for _, s := range []string{r.Target, r.Source, r.URL, r.ID} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func (r *InstallExtensionRequest) ToTarget() domain.InstallTarget {
	name := strings.TrimSpace(r.Name)
	if name == "" && r.ID != "" && r.source() != r.ID {
		name = strings.TrimSpace(r.ID)
	}
	return domain.InstallTarget{Source: r.source(), Name: name}
}

// InstallModelRequest names the download with the first non-empty of Target, Source, URL.
type InstallModelRequest struct {
	Target   string `json:"target"`
	Source   string `json:"source"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Folder   string `json:"folder"`
	SavePath string `json:"save_path"`
}

func (r *InstallModelRequest) Validate() []string {
	var errors []string
	if r.source() == "" {
		errors = append(errors, "one of target, source or url is required")
	}
	return errors
}

func (r *InstallModelRequest) source() string {
	for _, s := range []string{r.Target, r.Source, r.URL} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func (r *InstallModelRequest) ToTarget() domain.InstallTarget {
	source := r.source()
	name := r.Name
	if name == "" {
		name = r.Filename
	}
	folder := r.Folder
	if folder == "" {
		folder = r.SavePath
	}
	return domain.InstallTarget{Source: source, Name: name, Folder: folder}
}
