package rentsync

// Explicit conversions between store rows (snake_case columns) and the
// canonical entities. Zero ids and timestamps are left out of outgoing rows
// so the store can assign them.

func itemFromRecord(r Record) Item {
	return Item{
		ID:          r.ID(),
		Title:       r.String("title"),
		Description: r.String("description"),
		Price:       r.Float("price"),
		PriceUnit:   PriceUnit(r.String("price_unit")),
		Location:    r.String("location"),
		Image:       r.String("image"),
		OwnerID:     r.String("owner_id"),
		OwnerName:   r.String("owner_name"),
		Status:      parseStatus(r.String("status")),
		CreatedAt:   r.Time("created_at"),
	}
}

func itemToRecord(it Item) Record {
	rec := Record{
		"title":       it.Title,
		"description": it.Description,
		"price":       it.Price,
		"price_unit":  string(it.PriceUnit),
		"location":    it.Location,
		"image":       it.Image,
		"owner_id":    it.OwnerID,
		"owner_name":  it.OwnerName,
		"status":      string(it.Status),
	}
	if it.ID != "" {
		rec["id"] = it.ID
	}
	if !it.CreatedAt.IsZero() {
		rec["created_at"] = formatTimestamp(it.CreatedAt)
	}
	return rec
}

// itemPatch holds only the owner-editable columns.
func itemPatch(in ItemInput) Record {
	return Record{
		"title":       in.Title,
		"description": in.Description,
		"price":       in.Price,
		"price_unit":  string(in.PriceUnit),
		"location":    in.Location,
		"image":       in.Image,
	}
}

func wishlistFromRecord(r Record) WishlistEntry {
	return WishlistEntry{
		ID:        r.ID(),
		UserID:    r.String("user_id"),
		ItemID:    r.String("item_id"),
		CreatedAt: r.Time("created_at"),
	}
}

func wishlistToRecord(w WishlistEntry) Record {
	rec := Record{
		"user_id": w.UserID,
		"item_id": w.ItemID,
	}
	if w.ID != "" {
		rec["id"] = w.ID
	}
	if !w.CreatedAt.IsZero() {
		rec["created_at"] = formatTimestamp(w.CreatedAt)
	}
	return rec
}

// chatFromRecord never carries messages; they live in their own table.
func chatFromRecord(r Record) Chat {
	return Chat{
		ID:           r.ID(),
		Participants: r.Strings("participants"),
		ItemID:       r.String("item_id"),
		ItemTitle:    r.String("item_title"),
		LastMessage:  r.String("last_message"),
		LastUpdated:  r.Time("last_updated"),
		CreatedAt:    r.Time("created_at"),
		Messages:     []Message{},
	}
}

func chatToRecord(c Chat) Record {
	rec := Record{
		"participants": append([]string(nil), c.Participants...),
		"item_id":      c.ItemID,
		"item_title":   c.ItemTitle,
		"last_message": c.LastMessage,
	}
	if c.ID != "" {
		rec["id"] = c.ID
	}
	if !c.LastUpdated.IsZero() {
		rec["last_updated"] = formatTimestamp(c.LastUpdated)
	}
	if !c.CreatedAt.IsZero() {
		rec["created_at"] = formatTimestamp(c.CreatedAt)
	}
	return rec
}

func messageFromRecord(r Record) Message {
	return Message{
		ID:         r.ID(),
		ChatID:     r.String("chat_id"),
		SenderID:   r.String("sender_id"),
		SenderName: r.String("sender_name"),
		Text:       r.String("text"),
		Timestamp:  r.Time("created_at"),
	}
}

func messageToRecord(m Message) Record {
	rec := Record{
		"chat_id":     m.ChatID,
		"sender_id":   m.SenderID,
		"sender_name": m.SenderName,
		"text":        m.Text,
	}
	if m.ID != "" {
		rec["id"] = m.ID
	}
	if !m.Timestamp.IsZero() {
		rec["created_at"] = formatTimestamp(m.Timestamp)
	}
	return rec
}

func profileFromRecord(r Record) Profile {
	return Profile{
		ID:       r.ID(),
		Username: r.String("username"),
		Email:    r.String("email"),
	}
}

func profileToRecord(p Profile) Record {
	return Record{
		"id":       p.ID,
		"username": p.Username,
		"email":    p.Email,
	}
}
