package parser

// Function words, legal boilerplate, publishing terms, abbreviations and
// month names that show up in registry descriptions but are never a
// meaningful search phrase on their own.
var defaultStopWords = []string{
	"и", "в", "на", "с", "по", "для", "от", "до", "под", "над", "между", "через",
	"за", "без", "из", "при", "про", "о", "об", "что", "как", "где", "когда",
	"который", "которая", "которое", "которые", "этот", "эта", "это", "эти",
	"тот", "та", "то", "те", "такой", "такая", "такое", "такие",

	"решением", "решение", "суд", "суда", "судом", "апелляционного", "краевого",
	"областного", "городского", "районного", "федерального", "определением",
	"постановлением", "приговором", "определение", "постановление", "приговор",
	"признан", "признана", "признано", "признаны", "включен", "включена",
	"включено", "включены", "внесен", "внесена", "внесено", "внесены",
	"запрещен", "запрещена", "запрещено", "запрещены",

	"номер", "издательство", "автор", "авторы", "серия", "том", "выпуск", "страница",
	"издание", "издания", "книга", "книги", "статья", "статьи", "материал", "материалы",
	"публикация", "публикации", "текст", "тексты", "содержание", "содержащий",
	"издан", "издана", "издано", "изданы", "опубликован", "опубликована",

	"№", "стр.", "изд.", "ред.", "год", "см.", "также", "etc", "и.о.", "т.д.",
	"т.п.", "т.к.", "т.е.", "др.", "проч.", "ул.", "г.", "обл.", "р-н",

	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// Court-procedure words; a phrase containing any of them is a citation,
// not a title.
var technicalTerms = []string{"решением", "определением", "постановлением", "приговором", "судом"}
