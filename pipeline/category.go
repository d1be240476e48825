package pipeline

// Message categories form a closed set, decoded once at ingest and matched
// exhaustively by the router. The wire names follow the server's category
// strings.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryPlainText
	CategoryPlainImage
	CategoryPlainData
	CategoryPlainSticker
	CategoryPlainContact
	CategoryPlainJSON
	CategorySignalText
	CategorySignalImage
	CategorySignalData
	CategorySignalSticker
	CategorySignalContact
	CategorySignalKey
	CategorySystemConversation
	CategorySystemAccountSnapshot
	CategoryAppButtonGroup
	CategoryAppCard
)

// The kind of content a category carries once its transport framing is
// stripped.
type ContentKind int

const (
	KindNone ContentKind = iota
	KindText
	KindImage
	KindData
	KindSticker
	KindContact
	KindJSON
	KindKey
)

var categoryNames = map[Category]string{
	CategoryPlainText:             "PLAIN_TEXT",
	CategoryPlainImage:            "PLAIN_IMAGE",
	CategoryPlainData:             "PLAIN_DATA",
	CategoryPlainSticker:          "PLAIN_STICKER",
	CategoryPlainContact:          "PLAIN_CONTACT",
	CategoryPlainJSON:             "PLAIN_JSON",
	CategorySignalText:            "SIGNAL_TEXT",
	CategorySignalImage:           "SIGNAL_IMAGE",
	CategorySignalData:            "SIGNAL_DATA",
	CategorySignalSticker:         "SIGNAL_STICKER",
	CategorySignalContact:         "SIGNAL_CONTACT",
	CategorySignalKey:             "SIGNAL_KEY",
	CategorySystemConversation:    "SYSTEM_CONVERSATION",
	CategorySystemAccountSnapshot: "SYSTEM_ACCOUNT_SNAPSHOT",
	CategoryAppButtonGroup:        "APP_BUTTON_GROUP",
	CategoryAppCard:               "APP_CARD",
}

var categoriesByName = func() map[string]Category {
	m := make(map[string]Category, len(categoryNames))
	for c, n := range categoryNames {
		m[n] = c
	}
	return m
}()

func ParseCategory(name string) Category {
	if c, ok := categoriesByName[name]; ok {
		return c
	}
	return CategoryUnknown
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

func (c Category) IsPlain() bool {
	switch c {
	case CategoryPlainText, CategoryPlainImage, CategoryPlainData, CategoryPlainSticker, CategoryPlainContact, CategoryPlainJSON:
		return true
	}
	return false
}

func (c Category) IsSignal() bool {
	switch c {
	case CategorySignalText, CategorySignalImage, CategorySignalData, CategorySignalSticker, CategorySignalContact, CategorySignalKey:
		return true
	}
	return false
}

func (c Category) IsSystem() bool {
	return c == CategorySystemConversation || c == CategorySystemAccountSnapshot
}

func (c Category) IsApp() bool {
	return c == CategoryAppButtonGroup || c == CategoryAppCard
}

func (c Category) Kind() ContentKind {
	switch c {
	case CategoryPlainText, CategorySignalText:
		return KindText
	case CategoryPlainImage, CategorySignalImage:
		return KindImage
	case CategoryPlainData, CategorySignalData:
		return KindData
	case CategoryPlainSticker, CategorySignalSticker:
		return KindSticker
	case CategoryPlainContact, CategorySignalContact:
		return KindContact
	case CategoryPlainJSON:
		return KindJSON
	case CategorySignalKey:
		return KindKey
	}
	return KindNone
}
