package services

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
)

type catalogService struct {
	engine ports.EngineClient
	jobs   ports.JobManager
	logger *logger.Logger
}

func NewCatalogService(engine ports.EngineClient, jobs ports.JobManager, log *logger.Logger) ports.CatalogService {
	if log == nil {
		log = logger.NewNop()
	}
	return &catalogService{engine: engine, jobs: jobs, logger: log}
}

// ListExtensions merges the engine's installed extensions with extensions installed by
// succeeded local jobs the engine does not report yet. partial is true when the engine could
// not be queried.
func (s *catalogService) ListExtensions(ctx context.Context) ([]domain.ExtensionInfo, bool, error) {
	items := make([]domain.ExtensionInfo, 0)
	partial := false

	raw, err := s.engine.ListExtensions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		s.logger.Warnw("catalog_extensions_engine_failed", "error", err)
		partial = true
	}
	for _, entry := range raw {
		if info, ok := decodeExtension(entry); ok {
			items = append(items, info)
		}
	}

	seen := make(map[string]struct{}, len(items)*2)
	for _, info := range items {
		seen[identity(info.Name)] = struct{}{}
		if info.Source != "" {
			seen[identity(info.Source)] = struct{}{}
		}
	}

	for _, job := range s.jobs.Succeeded(domain.JobKindExtension) {
		name := job.Target.Name
		if name == "" {
			name = extensionNameFromSource(job.Target.Source)
		}
		if _, dup := seen[identity(name)]; dup {
			continue
		}
		if _, dup := seen[identity(job.Target.Source)]; dup {
			continue
		}
		seen[identity(name)] = struct{}{}
		seen[identity(job.Target.Source)] = struct{}{}
		items = append(items, domain.ExtensionInfo{
			Name:      name,
			Source:    job.Target.Source,
			Installed: true,
			Origin:    domain.CatalogOriginLocalJob,
		})
	}

	return items, partial, nil
}

// ListModels walks every model folder the engine knows and adds models downloaded by
// succeeded local jobs. A folder that fails to list marks the result partial.
func (s *catalogService) ListModels(ctx context.Context) ([]domain.ModelInfo, bool, error) {
	items := make([]domain.ModelInfo, 0)
	partial := false

	folders, err := s.engine.ListModelFolders(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		s.logger.Warnw("catalog_model_folders_engine_failed", "error", err)
		partial = true
	}

	for _, folder := range folders {
		raw, err := s.engine.ListModels(ctx, folder)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			s.logger.Warnw("catalog_models_engine_failed", "folder", folder, "error", err)
			partial = true
			if domain.IsEngineUnavailable(err) {
				break
			}
			continue
		}
		for _, entry := range raw {
			if info, ok := decodeModel(entry, folder); ok {
				items = append(items, info)
			}
		}
	}

	seen := make(map[string]struct{}, len(items))
	for _, info := range items {
		seen[modelKey(info.Folder, info.Name)] = struct{}{}
	}

	for _, job := range s.jobs.Succeeded(domain.JobKindModel) {
		key := modelKey(job.Target.Folder, job.Target.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, domain.ModelInfo{
			Name:      job.Target.Name,
			Folder:    job.Target.Folder,
			Source:    job.Target.Source,
			Installed: true,
			Origin:    domain.CatalogOriginLocalJob,
		})
	}

	return items, partial, nil
}

func identity(s string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(s), "/"), ".git"))
}

func modelKey(folder, name string) string {
	return strings.ToLower(strings.Trim(folder, "/")) + "/" + strings.ToLower(name)
}

func extensionNameFromSource(source string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(source, "/"), ".git")
	return path.Base(trimmed)
}

// decodeExtension accepts either a bare name or an object using any of the field spellings
// engine extension managers report.
func decodeExtension(raw json.RawMessage) (domain.ExtensionInfo, bool) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if name == "" {
			return domain.ExtensionInfo{}, false
		}
		return domain.ExtensionInfo{Name: name, Installed: true, Origin: domain.CatalogOriginEngine}, true
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.ExtensionInfo{}, false
	}

	info := domain.ExtensionInfo{
		Name:      firstString(obj, "name", "title", "id", "cnr_id"),
		Version:   firstString(obj, "version", "ver"),
		Source:    firstString(obj, "source", "url", "reference", "repository"),
		Installed: true,
		Origin:    domain.CatalogOriginEngine,
	}
	if installed, ok := obj["installed"].(bool); ok {
		info.Installed = installed
	}
	if info.Name == "" && info.Source != "" {
		info.Name = extensionNameFromSource(info.Source)
	}
	return info, info.Name != ""
}

func decodeModel(raw json.RawMessage, folder string) (domain.ModelInfo, bool) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if name == "" {
			return domain.ModelInfo{}, false
		}
		return domain.ModelInfo{Name: name, Folder: folder, Installed: true, Origin: domain.CatalogOriginEngine}, true
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.ModelInfo{}, false
	}
	info := domain.ModelInfo{
		Name:      firstString(obj, "name", "filename", "file"),
		Folder:    folder,
		Source:    firstString(obj, "source", "url"),
		Installed: true,
		Origin:    domain.CatalogOriginEngine,
	}
	return info, info.Name != ""
}

func firstString(obj map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
