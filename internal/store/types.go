package store

import "time"

// Message is one turn of a conversation, as loaded for the Stream Runner's
// upstream request body or echoed back to the originating connection.
type Message struct {
	ID        string    `firestore:"id"`
	ChatID    string    `firestore:"chatId"`
	Role      string    `firestore:"role"` // "user" or "assistant"
	Content   string    `firestore:"content"`
	IsError   bool      `firestore:"isError"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// ChatDoc is the subset of chat metadata the gateway is allowed to mutate:
// append message rows, bump updated_at, set title once, append meta_info.
type ChatDoc struct {
	ID        string    `firestore:"id"`
	UserID    string    `firestore:"userId"`
	Title     string    `firestore:"title"`
	MetaInfo  string    `firestore:"metaInfo"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

const titleMaxRunes = 50
