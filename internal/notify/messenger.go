package notify

import (
	tele "gopkg.in/telebot.v3"
)

// Messenger is the transport the dispatcher sends through. The
// production implementation wraps a telegram bot; tests use a fake.
type Messenger interface {
	SendText(chatID int64, text string, markup *tele.ReplyMarkup) error
	SendPhoto(chatID int64, photoURL, caption string, markup *tele.ReplyMarkup) error
	SendAlbum(chatID int64, photoURLs []string, caption string) error
}

// TelegramMessenger sends through a live telegram bot connection.
type TelegramMessenger struct {
	bot *tele.Bot
}

// NewTelegramMessenger wraps a bot for dispatcher use.
func NewTelegramMessenger(bot *tele.Bot) *TelegramMessenger {
	return &TelegramMessenger{bot: bot}
}

func (m *TelegramMessenger) SendText(chatID int64, text string, markup *tele.ReplyMarkup) error {
	_, err := m.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		ParseMode:   tele.ModeHTML,
		ReplyMarkup: markup,
	})
	return err
}

func (m *TelegramMessenger) SendPhoto(chatID int64, photoURL, caption string, markup *tele.ReplyMarkup) error {
	photo := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	_, err := m.bot.Send(tele.ChatID(chatID), photo, &tele.SendOptions{
		ParseMode:   tele.ModeHTML,
		ReplyMarkup: markup,
	})
	return err
}

func (m *TelegramMessenger) SendAlbum(chatID int64, photoURLs []string, caption string) error {
	album := make(tele.Album, 0, len(photoURLs))
	for i, url := range photoURLs {
		photo := &tele.Photo{File: tele.FromURL(url)}
		if i == 0 {
			photo.Caption = caption
		}
		album = append(album, photo)
	}
	_, err := m.bot.SendAlbum(tele.ChatID(chatID), album, &tele.SendOptions{
		ParseMode: tele.ModeHTML,
	})
	return err
}
