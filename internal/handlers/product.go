package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

// ProductHandler manages the catalog entries checkout prices against.
type ProductHandler struct {
	db *gorm.DB
}

// NewProductHandler constructs ProductHandler.
func NewProductHandler(db *gorm.DB) *ProductHandler {
	return &ProductHandler{db: db}
}

// ListProducts returns paginated active products.
func (h *ProductHandler) ListProducts(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.WithContext(c.UserContext()).Model(&models.Product{}).Where("is_active = ?", true)

	if search := strings.TrimSpace(c.Query("search")); search != "" {
		query = query.Where("name LIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var products []models.Product
	if err := query.Order("created_at desc").
		Limit(pg.Limit).Offset(pg.Offset).
		Find(&products).Error; err != nil {
		return err
	}

	views := make([]productView, 0, len(products))
	for i := range products {
		views = append(views, newProductView(&products[i]))
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"data":       views,
		"pagination": pg.Meta(total),
	})
}

type productRequest struct {
	Name          *string          `json:"name"`
	Description   *string          `json:"description"`
	Price         *decimal.Decimal `json:"price"`
	Stock         *int             `json:"stock"`
	Unlimited     bool             `json:"unlimited"`
	PurchaseLimit *int             `json:"purchaseLimit"`
	IsActive      *bool            `json:"isActive"`
}

// CreateProduct adds a catalog entry.
func (h *ProductHandler) CreateProduct(c *fiber.Ctx) error {
	var req productRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" || req.Price == nil {
		return badRequest(c, "name and price are required")
	}

	product := models.Product{IsActive: true}
	if err := applyProductRequest(&product, req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.db.WithContext(c.UserContext()).Create(&product).Error; err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": newProductView(&product)})
}

// UpdateProduct changes a catalog entry. Existing orders keep their price snapshot.
func (h *ProductHandler) UpdateProduct(c *fiber.Ctx) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	var req productRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	var product models.Product
	if err := h.db.WithContext(c.UserContext()).First(&product, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "product not found")
		}
		return err
	}
	if err := applyProductRequest(&product, req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.db.WithContext(c.UserContext()).Save(&product).Error; err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": newProductView(&product)})
}

func applyProductRequest(p *models.Product, req productRequest) error {
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Price != nil {
		price, err := parseNonNegative(*req.Price)
		if err != nil {
			return errors.New("invalid price")
		}
		p.Price = price
	}
	switch {
	case req.Unlimited:
		p.Stock = nil
	case req.Stock != nil:
		if *req.Stock < 0 {
			return errors.New("stock must not be negative")
		}
		stock := *req.Stock
		p.Stock = &stock
	}
	if req.PurchaseLimit != nil {
		if *req.PurchaseLimit < 0 {
			return errors.New("purchaseLimit must not be negative")
		}
		p.PurchaseLimit = *req.PurchaseLimit
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	return nil
}
