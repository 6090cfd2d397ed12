package models

// Product is the catalog entry checkout validates against.
// A nil Stock means the product is not stock-limited; PurchaseLimit 0 means unlimited per user.
type Product struct {
	BaseModel
	Name          string `gorm:"not null" json:"name"`
	Description   string `json:"description"`
	Price         int64  `gorm:"not null" json:"price"`
	Stock         *int   `gorm:"check:chk_products_stock,stock IS NULL OR stock >= 0" json:"stock"`
	PurchaseLimit int    `gorm:"not null;default:0" json:"purchase_limit"`
	IsActive      bool   `gorm:"not null;index" json:"is_active"`
}
