package menu

const (
	backDigit = "0"
	exitDigit = "00"
)

// PlasticTypes maps the reportCollection digits to plastic type labels.
var PlasticTypes = map[string]string{
	"1": "PET bottles",
	"2": "HDPE containers",
	"3": "Mixed plastic",
}

const MainText = "Welcome to EcoCollect\n" +
	"1. Check balance\n" +
	"2. Recent collections\n" +
	"3. Nearest hub\n" +
	"4. Health tokens\n" +
	"5. Report collection\n" +
	"6. Collection status\n" +
	"0. Exit"

const footer = "\n0. Main menu\n00. Exit"

func subOptions() map[string]ID {
	return map[string]ID{backDigit: Main, exitDigit: Exit}
}

// DefaultTable builds the menu table served on the short code.
func DefaultTable() Table {
	reportOptions := subOptions()
	for digit := range PlasticTypes {
		reportOptions[digit] = SubmitCollection
	}

	menus := []Menu{
		{
			ID:       Main,
			Template: MainText,
			Options: map[string]ID{
				"1": CheckBalance,
				"2": RecentCollections,
				"3": NearestHub,
				"4": HealthTokens,
				"5": ReportCollection,
				"6": CheckCollectionStatus,
				"0": Exit,
			},
		},
		{
			ID:       CheckBalance,
			Template: "Balance: GHS {cash}\nTotal earned: GHS {totalEarnings}" + footer,
			Options:  subOptions(),
		},
		{
			ID:       RecentCollections,
			Template: "Recent collections:\n{collections}" + footer,
			Options:  subOptions(),
		},
		{
			ID:       NearestHub,
			Template: "Nearest hub: {hubName}\n{hubAddress}\nHours: {hubHours}" + footer,
			Options:  subOptions(),
		},
		{
			ID:       HealthTokens,
			Template: "You have {healthTokens} health tokens.\nRedeem at any partner clinic." + footer,
			Options:  subOptions(),
		},
		{
			ID: ReportCollection,
			Template: "Select plastic type:\n" +
				"1. " + PlasticTypes["1"] + "\n" +
				"2. " + PlasticTypes["2"] + "\n" +
				"3. " + PlasticTypes["3"] + footer,
			Options: reportOptions,
		},
		{
			ID:       SubmitCollection,
			Template: "Your {plasticType} collection request has been logged. You will receive an SMS confirmation." + footer,
			Options:  subOptions(),
		},
		{
			ID:       CheckCollectionStatus,
			Template: "Last collection: {lastCollection}\nStatus: {lastStatus}" + footer,
			Options:  subOptions(),
		},
	}

	table := make(Table, len(menus))
	for _, m := range menus {
		table[m.ID] = m
	}
	return table
}
