package models

import "time"

// Author ist ein deduplizierter Personendatensatz, eindeutig über den
// normalisierten vollen Namen.
type Author struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	FullName string `json:"full_name" gorm:"uniqueIndex;size:512;not null"`
}

// TableName gibt explizit den Tabellennamen an.
func (Author) TableName() string {
	return "authors"
}

// ArticleAuthorOrder ist die geordnete Join-Tabelle zwischen Artikel und
// Autor. Pro Artikel sind sowohl der Autor als auch die Position eindeutig.
type ArticleAuthorOrder struct {
	ID uint `json:"id" gorm:"primaryKey"`

	ArticleID uint `json:"article_id" gorm:"index:idx_article_author,unique;index:idx_article_order,unique;not null"`
	AuthorID  uint `json:"author_id" gorm:"index:idx_article_author,unique;not null"`
	Order     int  `json:"order" gorm:"column:author_order;index:idx_article_order,unique;not null"`

	Author Author `json:"author" gorm:"constraint:OnDelete:CASCADE"`
}

// TableName gibt explizit den Tabellennamen an.
func (ArticleAuthorOrder) TableName() string {
	return "article_author_orders"
}
