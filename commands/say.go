package commands

import "Parlor/internal/game"

var Say = Define(Definition{
	Name:        "say",
	Usage:       "<message>",
	Description: "speak to everyone in the room",
}, func(ctx *Context) {
	ctx.World.Roomcast(ctx.Person.Room, game.Utterance(ctx.Person, ctx.Text))
})
