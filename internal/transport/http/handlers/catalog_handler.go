package handlers

import (
	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
)

// PartialHeader is set when the engine could not contribute to a catalog answer.
const PartialHeader = "X-Catalog-Partial"

type CatalogHandler struct {
	catalog ports.CatalogService
	logger  *logger.Logger
}

func NewCatalogHandler(catalog ports.CatalogService, logger *logger.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, logger: logger}
}

func (h *CatalogHandler) ExtensionInfos(c *fiber.Ctx) error {
	items, partial, err := h.catalog.ListExtensions(c.UserContext())
	if err != nil {
		return err
	}
	if partial {
		c.Set(PartialHeader, "true")
	}
	return c.JSON(items)
}

func (h *CatalogHandler) ModelInfos(c *fiber.Ctx) error {
	items, partial, err := h.catalog.ListModels(c.UserContext())
	if err != nil {
		return err
	}
	if partial {
		c.Set(PartialHeader, "true")
	}
	return c.JSON(items)
}
