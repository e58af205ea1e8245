package router

import (
	tele "gopkg.in/telebot.v4"
)

// operatorKeyboard builds the persistent reply keyboard shown to operators
// on /start.
func operatorKeyboard() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{ResizeKeyboard: true}
	rm.Reply(
		rm.Row(rm.Text("List Recipients")),
		rm.Row(rm.Text("/add")),
		rm.Row(rm.Text("/remove")),
		rm.Row(rm.Text("/extend")),
	)
	return rm
}
